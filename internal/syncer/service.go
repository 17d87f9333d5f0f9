package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stagebox/kiosk/internal/catalog"
	"github.com/stagebox/kiosk/internal/remote"
	"github.com/stagebox/kiosk/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("local store is required")
	errMissingRemote = errors.New("remote client is required")
	noOpLogger       = zap.NewNop()
)

const (
	opServiceNew  = "syncer.service.new"
	opPullCatalog = "syncer.pull_catalog"
	opPushHistory = "syncer.push_history"
	opPushCatalog = "syncer.push_catalog"
)

// RemoteStore is the slice of the remote client the engine consumes.
type RemoteStore interface {
	Ping(ctx context.Context) error
	ListCatalog(ctx context.Context) ([]remote.CatalogRow, error)
	CatalogByCode(ctx context.Context, code string) (remote.CatalogRow, error)
	InsertCatalog(ctx context.Context, row remote.CatalogRow) error
	InsertHistory(ctx context.Context, row remote.HistoryRow) error
}

// BatchResult aggregates one push or pull pass. A single row's failure never
// fails the batch; it is collected here and the row stays pending for the
// next invocation.
type BatchResult struct {
	Synced int      `json:"synced"`
	Errors []string `json:"errors"`
}

// SyncResult aggregates a full bidirectional pass.
type SyncResult struct {
	Pulled  int      `json:"pulled"`
	History int      `json:"history"`
	Catalog int      `json:"catalog"`
	Errors  []string `json:"errors"`
}

// ServiceConfig describes the dependencies of the sync engine.
type ServiceConfig struct {
	Store  *store.Service
	Remote RemoteStore
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service keeps the local catalog and history caches eventually consistent
// with the central store. Every operation is safe to invoke repeatedly and
// concurrently; convergence rests on insert-if-absent locally and
// duplicate-key conflicts remotely, not on external locking.
type Service struct {
	store  *store.Service
	remote RemoteStore
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the sync engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingRemote)
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
		store:  cfg.Store,
		remote: cfg.Remote,
		clock:  clock,
		logger: logger,
	}, nil
}

// PullCatalog fetches all central catalog rows and inserts the ones whose
// code is not yet cached. Existing local rows are never overwritten. A
// failed reachability probe makes the whole pull a no-op.
func (s *Service) PullCatalog(ctx context.Context) BatchResult {
	if err := s.remote.Ping(ctx); err != nil {
		s.logger.Info("remote unreachable, skipping catalog pull", zap.String("operation", opPullCatalog))
		return BatchResult{}
	}

	rows, err := s.remote.ListCatalog(ctx)
	if err != nil {
		s.logError(opPullCatalog, "list_failed", err)
		return BatchResult{Errors: []string{err.Error()}}
	}

	result := BatchResult{}
	syncedAt := s.clock().UTC().Unix()
	for _, row := range rows {
		inserted, err := s.store.UpsertCatalog(ctx, s.toLocalEntry(row, syncedAt))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", row.Code, err))
			continue
		}
		if inserted {
			result.Synced++
		}
	}
	return result
}

// PushHistory pushes unsynced playback rows upstream. A duplicate-key
// conflict means a previous push landed; the row is marked synced either
// way. Other failures leave the row unsynced for the next pass.
func (s *Service) PushHistory(ctx context.Context) BatchResult {
	if err := s.remote.Ping(ctx); err != nil {
		s.logger.Info("remote unreachable, skipping history push", zap.String("operation", opPushHistory))
		return BatchResult{}
	}

	unsynced, err := s.store.UnsyncedHistory(ctx)
	if err != nil {
		s.logError(opPushHistory, "local_query_failed", err)
		return BatchResult{Errors: []string{err.Error()}}
	}

	result := BatchResult{}
	for _, entry := range unsynced {
		err := s.remote.InsertHistory(ctx, remote.HistoryRow{
			ID:        entry.ID,
			UserID:    entry.UserID,
			CatalogID: entry.CatalogID,
			Code:      entry.Code,
			PlayedAt:  time.Unix(entry.PlayedAtSeconds, 0).UTC(),
		})
		if err != nil && !errors.Is(err, remote.ErrConflict) {
			result.Errors = append(result.Errors, fmt.Sprintf("history %s: %v", entry.ID, err))
			continue
		}
		if err := s.store.MarkHistorySynced(ctx, entry.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("history %s: %v", entry.ID, err))
			continue
		}
		result.Synced++
	}
	return result
}

// PushCatalog pushes locally originated catalog rows upstream with the same
// conflict handling as history.
func (s *Service) PushCatalog(ctx context.Context) BatchResult {
	if err := s.remote.Ping(ctx); err != nil {
		s.logger.Info("remote unreachable, skipping catalog push", zap.String("operation", opPushCatalog))
		return BatchResult{}
	}

	pending, err := s.store.PendingCatalog(ctx)
	if err != nil {
		s.logError(opPushCatalog, "local_query_failed", err)
		return BatchResult{Errors: []string{err.Error()}}
	}

	result := BatchResult{}
	for _, entry := range pending {
		err := s.remote.InsertCatalog(ctx, remote.CatalogRow{
			ID:              entry.ID,
			Code:            entry.Code,
			Artist:          entry.Artist,
			Title:           entry.Title,
			MediaURL:        entry.MediaURL,
			FileName:        entry.FileName,
			SizeBytes:       entry.SizeBytes,
			DurationSeconds: entry.DurationSeconds,
			OwnerID:         entry.OwnerID,
			CreatedAt:       time.Unix(entry.CreatedAtSeconds, 0).UTC(),
			UpdatedAt:       time.Unix(entry.UpdatedAtSeconds, 0).UTC(),
		})
		if err != nil && !errors.Is(err, remote.ErrConflict) {
			result.Errors = append(result.Errors, fmt.Sprintf("catalog %s: %v", entry.Code, err))
			continue
		}
		if err := s.store.MarkCatalogSynced(ctx, entry.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("catalog %s: %v", entry.Code, err))
			continue
		}
		result.Synced++
	}
	return result
}

// LookupCatalog serves a playback lookup: local cache first, then one remote
// fetch on a miss whose result is cached for the next caller. Offline misses
// return nil.
func (s *Service) LookupCatalog(ctx context.Context, code catalog.Code) (*catalog.Entry, error) {
	entry, err := s.store.CatalogByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}

	row, err := s.remote.CatalogByCode(ctx, code.String())
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Info("remote lookup unavailable", zap.String("code", code.String()))
		return nil, nil
	}

	if _, err := s.store.UpsertCatalog(ctx, s.toLocalEntry(row, s.clock().UTC().Unix())); err != nil {
		s.logError(opPullCatalog, "cache_miss_upsert_failed", err, zap.String("code", code.String()))
	}
	return s.store.CatalogByCode(ctx, code)
}

// SyncAll runs one full bidirectional pass: push local mutations, then pull
// the central catalog.
func (s *Service) SyncAll(ctx context.Context) SyncResult {
	history := s.PushHistory(ctx)
	pushed := s.PushCatalog(ctx)
	pulled := s.PullCatalog(ctx)

	result := SyncResult{
		Pulled:  pulled.Synced,
		History: history.Synced,
		Catalog: pushed.Synced,
	}
	result.Errors = append(result.Errors, history.Errors...)
	result.Errors = append(result.Errors, pushed.Errors...)
	result.Errors = append(result.Errors, pulled.Errors...)

	s.logger.Info("sync pass complete",
		zap.Int("pulled", result.Pulled),
		zap.Int("history", result.History),
		zap.Int("catalog", result.Catalog),
		zap.Int("errors", len(result.Errors)))
	return result
}

func (s *Service) toLocalEntry(row remote.CatalogRow, syncedAt int64) catalog.Entry {
	return catalog.Entry{
		ID:               row.ID,
		Code:             row.Code,
		Artist:           row.Artist,
		Title:            row.Title,
		MediaURL:         row.MediaURL,
		FileName:         row.FileName,
		SizeBytes:        row.SizeBytes,
		DurationSeconds:  row.DurationSeconds,
		OwnerID:          row.OwnerID,
		SyncedAtSeconds:  &syncedAt,
		CreatedAtSeconds: row.CreatedAt.UTC().Unix(),
		UpdatedAtSeconds: row.UpdatedAt.UTC().Unix(),
	}
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
	s.logger.Error("sync engine error", attrs...)
}
