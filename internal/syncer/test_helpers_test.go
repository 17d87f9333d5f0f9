package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stagebox/kiosk/internal/catalog"
	"github.com/stagebox/kiosk/internal/remote"
	"github.com/stagebox/kiosk/internal/store"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var errRemoteDown = errors.New("remote unreachable")

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

func newTestStore(t *testing.T, clock func() time.Time) *store.Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access raw database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&catalog.Entry{}, &catalog.HistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	service, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct store service: %v", err)
	}
	return service
}

// fakeRemote is an in-memory stand-in for the central store with switchable
// reachability and injectable insert failures.
type fakeRemote struct {
	mu sync.Mutex

	offline   bool
	insertErr error

	catalogByCode map[string]remote.CatalogRow
	historyByID   map[string]remote.HistoryRow

	listCalls   int
	lookupCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		catalogByCode: map[string]remote.CatalogRow{},
		historyByID:   map[string]remote.HistoryRow{},
	}
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errRemoteDown
	}
	return nil
}

func (f *fakeRemote) ListCatalog(ctx context.Context) ([]remote.CatalogRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.offline {
		return nil, errRemoteDown
	}
	rows := make([]remote.CatalogRow, 0, len(f.catalogByCode))
	for _, row := range f.catalogByCode {
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeRemote) CatalogByCode(ctx context.Context, code string) (remote.CatalogRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if f.offline {
		return remote.CatalogRow{}, errRemoteDown
	}
	row, ok := f.catalogByCode[code]
	if !ok {
		return remote.CatalogRow{}, remote.ErrNotFound
	}
	return row, nil
}

func (f *fakeRemote) InsertCatalog(ctx context.Context, row remote.CatalogRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errRemoteDown
	}
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, exists := f.catalogByCode[row.Code]; exists {
		return remote.ErrConflict
	}
	f.catalogByCode[row.Code] = row
	return nil
}

func (f *fakeRemote) InsertHistory(ctx context.Context, row remote.HistoryRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errRemoteDown
	}
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, exists := f.historyByID[row.ID]; exists {
		return remote.ErrConflict
	}
	f.historyByID[row.ID] = row
	return nil
}

func (f *fakeRemote) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeRemote) setInsertErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertErr = err
}

func (f *fakeRemote) seedCatalog(rows ...remote.CatalogRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		f.catalogByCode[row.Code] = row
	}
}

func (f *fakeRemote) seedHistory(rows ...remote.HistoryRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		f.historyByID[row.ID] = row
	}
}

func (f *fakeRemote) historyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.historyByID)
}

func newTestService(t *testing.T, remoteStore RemoteStore, clock func() time.Time) (*Service, *store.Service) {
	t.Helper()

	localStore := newTestStore(t, clock)
	service, err := NewService(ServiceConfig{
		Store:  localStore,
		Remote: remoteStore,
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}
	return service, localStore
}

func fixedClock(instant time.Time) func() time.Time {
	return func() time.Time {
		return instant
	}
}

func mustCode(t *testing.T, raw string) catalog.Code {
	t.Helper()
	code, err := catalog.NewCode(raw)
	if err != nil {
		t.Fatalf("failed to build code %q: %v", raw, err)
	}
	return code
}

func toLocalSeed(code, artist string) catalog.Entry {
	return catalog.Entry{
		ID:       "local-" + code,
		Code:     code,
		Artist:   artist,
		Title:    artist + " Song",
		MediaURL: "https://cdn.example/" + code + ".mp4",
	}
}

func toRemoteHistory(id, code string) remote.HistoryRow {
	return remote.HistoryRow{
		ID:       id,
		Code:     code,
		PlayedAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
}

func remoteRow(code, artist string) remote.CatalogRow {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	return remote.CatalogRow{
		ID:        "remote-" + code,
		Code:      code,
		Artist:    artist,
		Title:     artist + " Song",
		MediaURL:  "https://cdn.example/" + code + ".mp4",
		CreatedAt: now,
		UpdatedAt: now,
	}
}
