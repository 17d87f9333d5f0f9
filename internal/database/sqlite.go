package database

import (
	"fmt"
	"sync"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stagebox/kiosk/internal/catalog"
	"github.com/stagebox/kiosk/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	openOnce   sync.Once
	sharedDB   *gorm.DB
	sharedErr  error
	sharedPath string
)

// Open establishes the embedded SQLite connection and performs schema setup.
// The kiosk cache is effectively single-writer, so the connection pool is
// capped at one open connection; reads and writes share it.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&catalog.Entry{}, &catalog.HistoryEntry{}, &store.ActivationRecord{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenShared memoizes the first successful Open so concurrent first callers
// share a single schema setup. Subsequent calls return the same handle
// regardless of the path argument; the first caller wins.
func OpenShared(path string, logger *zap.Logger) (*gorm.DB, error) {
	openOnce.Do(func() {
		sharedPath = path
		sharedDB, sharedErr = Open(path, logger)
	})
	if sharedErr != nil {
		return nil, sharedErr
	}
	if path != sharedPath && logger != nil {
		logger.Warn("local database already opened at a different path",
			zap.String("requested", path),
			zap.String("active", sharedPath))
	}
	return sharedDB, nil
}
