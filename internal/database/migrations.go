package database

import (
	"errors"
	"time"

	"github.com/stagebox/kiosk/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillHistoryCreatedAt = "2026-05-12_backfill_history_created_at"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillHistoryCreatedAt, apply: backfillHistoryCreatedAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early builds wrote history rows without a creation stamp; copy the playback
// time into the gap so ordering queries behave.
func backfillHistoryCreatedAt(db *gorm.DB) error {
	return db.Model(&catalog.HistoryEntry{}).
		Where("created_at_s = 0").
		Update("created_at_s", gorm.Expr("played_at_s")).Error
}
