package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stagebox/kiosk/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StorageError wraps a local persistence failure with a dotted operation code.
type StorageError struct {
	code string
	err  error
}

func (e *StorageError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StorageError) Unwrap() error {
	return e.err
}

func (e *StorageError) Code() string {
	return e.code
}

const (
	opStoreNew          = "store.new"
	opCatalogByCode     = "store.catalog_by_code"
	opListCatalog       = "store.list_catalog"
	opCountCatalog      = "store.count_catalog"
	opUpsertCatalog     = "store.upsert_catalog"
	opPendingCatalog    = "store.pending_catalog"
	opMarkCatalogSynced = "store.mark_catalog_synced"
	opAppendHistory     = "store.append_history"
	opUnsyncedHistory   = "store.unsynced_history"
	opMarkHistorySynced = "store.mark_history_synced"
	opActivation        = "store.activation"
	opSaveActivation    = "store.save_activation"
	opRemoveActivation  = "store.remove_activation"
)

func newStorageError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StorageError{code: code, err: cause}
}

// IDProvider issues identifiers for locally created rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the local store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the zero-network persistence layer backing playback lookups,
// the history cache and the activation singleton.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	// activationMu serializes read-modify-write of the singleton so a manual
	// validation racing a periodic re-check cannot lose an update.
	activationMu sync.Mutex
}

// NewService constructs the local store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newStorageError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStorageError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CatalogByCode returns the cached entry for a code, or nil when absent.
func (s *Service) CatalogByCode(ctx context.Context, code catalog.Code) (*catalog.Entry, error) {
	var entry catalog.Entry
	err := s.db.WithContext(ctx).Where("code = ?", code.String()).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opCatalogByCode, "query_failed", err, zap.String("code", code.String()))
		return nil, newStorageError(opCatalogByCode, "query_failed", err)
	}
	return &entry, nil
}

// ListCatalog returns every cached entry ordered by artist then title.
func (s *Service) ListCatalog(ctx context.Context) ([]catalog.Entry, error) {
	var entries []catalog.Entry
	if err := s.db.WithContext(ctx).
		Order("artist ASC, title ASC").
		Find(&entries).Error; err != nil {
		s.logError(opListCatalog, "query_failed", err)
		return nil, newStorageError(opListCatalog, "query_failed", err)
	}
	return entries, nil
}

// CountCatalog reports the number of cached entries.
func (s *Service) CountCatalog(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&catalog.Entry{}).Count(&count).Error; err != nil {
		s.logError(opCountCatalog, "query_failed", err)
		return 0, newStorageError(opCountCatalog, "query_failed", err)
	}
	return count, nil
}

// UpsertCatalog inserts the entry when its code is absent and reports whether
// a row was created. Existing rows are left untouched; pulls never overwrite
// local fields.
func (s *Service) UpsertCatalog(ctx context.Context, entry catalog.Entry) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing catalog.Entry
		lookupErr := tx.Where("code = ?", entry.Code).Take(&existing).Error
		if lookupErr == nil {
			return nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		now := s.clock().UTC().Unix()
		if entry.CreatedAtSeconds == 0 {
			entry.CreatedAtSeconds = now
		}
		entry.UpdatedAtSeconds = now
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		s.logError(opUpsertCatalog, "write_failed", err, zap.String("code", entry.Code))
		return false, newStorageError(opUpsertCatalog, "write_failed", err)
	}
	return inserted, nil
}

// PendingCatalog returns locally originated entries not yet pushed upstream.
func (s *Service) PendingCatalog(ctx context.Context) ([]catalog.Entry, error) {
	var entries []catalog.Entry
	if err := s.db.WithContext(ctx).
		Where("synced_at_s IS NULL").
		Find(&entries).Error; err != nil {
		s.logError(opPendingCatalog, "query_failed", err)
		return nil, newStorageError(opPendingCatalog, "query_failed", err)
	}
	return entries, nil
}

// MarkCatalogSynced stamps the push time on a catalog row.
func (s *Service) MarkCatalogSynced(ctx context.Context, id string) error {
	syncedAt := s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Model(&catalog.Entry{}).
		Where("id = ?", id).
		Update("synced_at_s", syncedAt).Error; err != nil {
		s.logError(opMarkCatalogSynced, "write_failed", err, zap.String("id", id))
		return newStorageError(opMarkCatalogSynced, "write_failed", err)
	}
	return nil
}

// UpdateCatalogSize records the on-disk size for a code after a completed
// download.
func (s *Service) UpdateCatalogSize(ctx context.Context, code catalog.Code, sizeBytes int64) error {
	updates := map[string]interface{}{
		"size_bytes":   sizeBytes,
		"updated_at_s": s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Model(&catalog.Entry{}).
		Where("code = ?", code.String()).
		Updates(updates).Error; err != nil {
		s.logError(opUpsertCatalog, "size_update_failed", err, zap.String("code", code.String()))
		return newStorageError(opUpsertCatalog, "size_update_failed", err)
	}
	return nil
}

// HistoryRequest describes a playback completion to record.
type HistoryRequest struct {
	UserID    string
	CatalogID string
	Code      catalog.Code
	PlayedAt  time.Time
}

// AppendHistory writes a playback row local-first with a nil sync stamp.
func (s *Service) AppendHistory(ctx context.Context, req HistoryRequest) (catalog.HistoryEntry, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendHistory, "id_generation_failed", err)
		return catalog.HistoryEntry{}, newStorageError(opAppendHistory, "id_generation_failed", err)
	}

	playedAt := req.PlayedAt
	if playedAt.IsZero() {
		playedAt = s.clock()
	}

	entry := catalog.HistoryEntry{
		ID:               id,
		UserID:           req.UserID,
		CatalogID:        req.CatalogID,
		Code:             req.Code.String(),
		PlayedAtSeconds:  playedAt.UTC().Unix(),
		SyncedAtSeconds:  nil,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(opAppendHistory, "write_failed", err, zap.String("code", entry.Code))
		return catalog.HistoryEntry{}, newStorageError(opAppendHistory, "write_failed", err)
	}
	return entry, nil
}

// UnsyncedHistory returns rows that have not been pushed upstream yet, oldest
// first so remote arrival loosely follows playback order.
func (s *Service) UnsyncedHistory(ctx context.Context) ([]catalog.HistoryEntry, error) {
	var entries []catalog.HistoryEntry
	if err := s.db.WithContext(ctx).
		Where("synced_at_s IS NULL").
		Order("played_at_s ASC").
		Find(&entries).Error; err != nil {
		s.logError(opUnsyncedHistory, "query_failed", err)
		return nil, newStorageError(opUnsyncedHistory, "query_failed", err)
	}
	return entries, nil
}

// MarkHistorySynced stamps the push time on a history row.
func (s *Service) MarkHistorySynced(ctx context.Context, id string) error {
	syncedAt := s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Model(&catalog.HistoryEntry{}).
		Where("id = ?", id).
		Update("synced_at_s", syncedAt).Error; err != nil {
		s.logError(opMarkHistorySynced, "write_failed", err, zap.String("id", id))
		return newStorageError(opMarkHistorySynced, "write_failed", err)
	}
	return nil
}

// Activation returns the singleton activation record, or nil when absent.
func (s *Service) Activation(ctx context.Context) (*ActivationRecord, error) {
	var record ActivationRecord
	err := s.db.WithContext(ctx).Where("id = ?", activationRowID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opActivation, "query_failed", err)
		return nil, newStorageError(opActivation, "query_failed", err)
	}
	return &record, nil
}

// SaveActivation overwrites the singleton with fresh validation results. The
// read-modify-write runs under a mutex so two validations in quick succession
// cannot interleave their writes.
func (s *Service) SaveActivation(ctx context.Context, record ActivationRecord) error {
	s.activationMu.Lock()
	defer s.activationMu.Unlock()

	now := s.clock().UTC().Unix()
	record.ID = activationRowID
	record.UpdatedAtSeconds = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ActivationRecord
		lookupErr := tx.Where("id = ?", activationRowID).Take(&existing).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			record.CreatedAtSeconds = now
			return tx.Create(&record).Error
		}
		if lookupErr != nil {
			return lookupErr
		}
		record.CreatedAtSeconds = existing.CreatedAtSeconds
		return tx.Save(&record).Error
	})
	if err != nil {
		s.logError(opSaveActivation, "write_failed", err, zap.String("kind", record.Kind))
		return newStorageError(opSaveActivation, "write_failed", err)
	}
	return nil
}

// RemoveActivation deletes the singleton on explicit deactivation. Removing
// an absent record is a no-op.
func (s *Service) RemoveActivation(ctx context.Context) error {
	s.activationMu.Lock()
	defer s.activationMu.Unlock()

	if err := s.db.WithContext(ctx).
		Where("id = ?", activationRowID).
		Delete(&ActivationRecord{}).Error; err != nil {
		s.logError(opRemoveActivation, "delete_failed", err)
		return newStorageError(opRemoveActivation, "delete_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
