package store

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stagebox/kiosk/internal/catalog"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&catalog.Entry{}, &catalog.HistoryEntry{}, &ActivationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build store service: %v", err)
	}
	return service, db
}

func mustCode(t *testing.T, value string) catalog.Code {
	t.Helper()
	code, err := catalog.NewCode(value)
	if err != nil {
		t.Fatalf("unexpected code error: %v", err)
	}
	return code
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
