package license

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stagebox/kiosk/internal/catalog"
	"github.com/stagebox/kiosk/internal/remote"
	"github.com/stagebox/kiosk/internal/store"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

func newTestStore(t *testing.T, clock func() time.Time) *store.Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access raw database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&catalog.Entry{}, &catalog.HistoryEntry{}, &store.ActivationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	service, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build store service: %v", err)
	}
	return service
}

// fakeKeyClient is an in-memory stand-in for the central key tables. Setting
// failAll simulates a network outage on every call.
type fakeKeyClient struct {
	keys          map[string]remote.ActivationKey
	subscriptions map[string]remote.Subscription
	failAll       error
	clock         func() time.Time

	lookupCalls int
}

func newFakeKeyClient(clock func() time.Time) *fakeKeyClient {
	return &fakeKeyClient{
		keys:          map[string]remote.ActivationKey{},
		subscriptions: map[string]remote.Subscription{},
		clock:         clock,
	}
}

func (f *fakeKeyClient) KeyByValue(ctx context.Context, key string) (remote.ActivationKey, error) {
	f.lookupCalls++
	if f.failAll != nil {
		return remote.ActivationKey{}, f.failAll
	}
	row, ok := f.keys[key]
	if !ok {
		return remote.ActivationKey{}, remote.ErrNotFound
	}
	return row, nil
}

func (f *fakeKeyClient) MarkKeyExpired(ctx context.Context, keyID string) error {
	if f.failAll != nil {
		return f.failAll
	}
	for value, row := range f.keys {
		if row.ID == keyID {
			row.Status = remote.KeyStatusExpired
			f.keys[value] = row
		}
	}
	return nil
}

func (f *fakeKeyClient) StampFirstUse(ctx context.Context, keyID string) (time.Time, error) {
	if f.failAll != nil {
		return time.Time{}, f.failAll
	}
	now := f.clock().UTC()
	for value, row := range f.keys {
		if row.ID == keyID && row.StartDate == nil {
			start := now
			row.StartDate = &start
			f.keys[value] = row
		}
	}
	return now, nil
}

func (f *fakeKeyClient) TouchLastUsed(ctx context.Context, keyID string) error {
	if f.failAll != nil {
		return f.failAll
	}
	now := f.clock().UTC()
	for value, row := range f.keys {
		if row.ID == keyID {
			row.LastUsedAt = &now
			f.keys[value] = row
		}
	}
	return nil
}

func (f *fakeKeyClient) SubscriptionByOwner(ctx context.Context, ownerID string) (remote.Subscription, error) {
	if f.failAll != nil {
		return remote.Subscription{}, f.failAll
	}
	row, ok := f.subscriptions[ownerID]
	if !ok {
		return remote.Subscription{}, remote.ErrNotFound
	}
	return row, nil
}

func newTestService(t *testing.T, localStore *store.Service, keys KeyClient, clock func() time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store: localStore,
		Keys:  keys,
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("failed to build license service: %v", err)
	}
	return service
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
