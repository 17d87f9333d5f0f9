package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/stagebox/kiosk/internal/catalog"
	"github.com/stagebox/kiosk/internal/remote"
	"github.com/stagebox/kiosk/internal/store"
	"go.uber.org/zap"
)

const (
	defaultMediaExtension = ".mp4"
	copyBufferSize        = 128 * 1024
)

var (
	errMissingStore    = errors.New("local store is required")
	errMissingRemote   = errors.New("remote client is required")
	errMissingMediaDir = errors.New("media directory is required")
	noOpLogger         = zap.NewNop()
)

const (
	opManagerNew    = "download.manager.new"
	opDownloadOne   = "download.one"
	opDownloadBatch = "download.batch"
	opStatus        = "download.status"
)

// RemoteSource is the slice of the remote client the manager consumes.
type RemoteSource interface {
	Ping(ctx context.Context) error
	ListCatalog(ctx context.Context) ([]remote.CatalogRow, error)
}

// Pauser exposes the externally owned pause flag. It is consulted between
// batches only; a transfer in flight runs to completion.
type Pauser interface {
	Paused() bool
}

// ProgressFunc reports transfer progress for one file. Percent is -1 when
// the source does not announce a content length.
type ProgressFunc func(code string, percent int)

// FileInfo describes the local media file for a catalog code.
type FileInfo struct {
	Exists bool
	Size   int64
	Path   string
}

// BatchResult aggregates one bounded draining pass over the backlog.
type BatchResult struct {
	Downloaded int      `json:"downloaded"`
	Remaining  int      `json:"remaining"`
	Errors     []string `json:"errors"`
}

// Status summarizes local media coverage against the central catalog.
type Status struct {
	TotalRemote  int   `json:"totalRemote"`
	LocalEntries int   `json:"localEntries"`
	MissingFiles int   `json:"missingFiles"`
	StorageBytes int64 `json:"storageBytes"`
	Online       bool  `json:"online"`
}

// ManagerConfig describes the dependencies of the download manager.
type ManagerConfig struct {
	Store      *store.Service
	Remote     RemoteSource
	MediaDir   string
	HTTPClient *http.Client
	Pauser     Pauser
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Manager ensures the media payload for each catalog entry exists on local
// disk, independent of metadata sync. A catalog row enters the local cache
// only after its file landed, so the cache never lists unplayable titles.
type Manager struct {
	store    *store.Service
	remote   RemoteSource
	mediaDir string
	client   *http.Client
	pauser   Pauser
	clock    func() time.Time
	logger   *zap.Logger
}

type alwaysRunning struct{}

func (alwaysRunning) Paused() bool { return false }

// NewManager constructs the download manager and ensures the media directory
// exists.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opManagerNew, errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("%s: %w", opManagerNew, errMissingRemote)
	}
	if cfg.MediaDir == "" {
		return nil, fmt.Errorf("%s: %w", opManagerNew, errMissingMediaDir)
	}
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("%s: create media dir: %w", opManagerNew, err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	pauser := cfg.Pauser
	if pauser == nil {
		pauser = alwaysRunning{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Manager{
		store:    cfg.Store,
		remote:   cfg.Remote,
		mediaDir: cfg.MediaDir,
		client:   client,
		pauser:   pauser,
		clock:    clock,
		logger:   logger,
	}, nil
}

// CheckLocalFile probes the deterministic media path for a code.
func (m *Manager) CheckLocalFile(code catalog.Code) FileInfo {
	matches, err := filepath.Glob(filepath.Join(m.mediaDir, code.String()+".*"))
	if err != nil || len(matches) == 0 {
		return FileInfo{Path: m.mediaPath(code.String(), defaultMediaExtension)}
	}
	// Ignore partial transfers left behind by an interrupted run.
	for _, match := range matches {
		if filepath.Ext(match) == ".part" {
			continue
		}
		info, statErr := os.Stat(match)
		if statErr != nil {
			continue
		}
		return FileInfo{Exists: true, Size: info.Size(), Path: match}
	}
	return FileInfo{Path: m.mediaPath(code.String(), defaultMediaExtension)}
}

// DownloadOne streams the payload for a code to the media directory. An
// already present file is a no-op success. On completion the cached size for
// the code is refreshed.
func (m *Manager) DownloadOne(ctx context.Context, code catalog.Code, sourceURL string, onProgress ProgressFunc) (FileInfo, error) {
	if existing := m.CheckLocalFile(code); existing.Exists {
		return existing, nil
	}

	targetPath := m.mediaPath(code.String(), extensionFromURL(sourceURL))
	size, err := m.fetchToFile(ctx, code.String(), sourceURL, targetPath, onProgress)
	if err != nil {
		m.logError(opDownloadOne, "fetch_failed", err, zap.String("code", code.String()))
		return FileInfo{}, err
	}

	if err := m.store.UpdateCatalogSize(ctx, code, size); err != nil {
		// The file is usable; a stale size column is not worth failing for.
		m.logError(opDownloadOne, "size_update_failed", err, zap.String("code", code.String()))
	}

	m.logger.Info("media downloaded",
		zap.String("code", code.String()),
		zap.Int64("bytes", size))
	return FileInfo{Exists: true, Size: size, Path: targetPath}, nil
}

// DownloadBatch drains up to batchSize entries from the backlog of catalog
// codes missing a local file. Repeated calls exhaust the backlog; the caller
// checks its pause flag between calls.
func (m *Manager) DownloadBatch(ctx context.Context, batchSize int, onProgress ProgressFunc) BatchResult {
	if err := m.remote.Ping(ctx); err != nil {
		m.logger.Info("remote unreachable, skipping download batch", zap.String("operation", opDownloadBatch))
		return BatchResult{Errors: []string{err.Error()}}
	}

	missing, err := m.missingRows(ctx)
	if err != nil {
		m.logError(opDownloadBatch, "list_failed", err)
		return BatchResult{Errors: []string{err.Error()}}
	}

	batch := missing
	if batchSize > 0 && len(batch) > batchSize {
		batch = batch[:batchSize]
	}

	result := BatchResult{Remaining: len(missing)}
	for _, row := range batch {
		if err := m.downloadRow(ctx, row, onProgress); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", row.Code, err))
			continue
		}
		result.Downloaded++
	}
	result.Remaining -= result.Downloaded
	return result
}

// DownloadAll drains the entire backlog in bounded slices, honoring the
// pause flag between slices.
func (m *Manager) DownloadAll(ctx context.Context, onProgress ProgressFunc) BatchResult {
	total := BatchResult{}
	for {
		if m.pauser.Paused() {
			m.logger.Info("downloads paused, stopping drain")
			return total
		}
		batch := m.DownloadBatch(ctx, drainSliceSize, onProgress)
		total.Downloaded += batch.Downloaded
		total.Errors = append(total.Errors, batch.Errors...)
		total.Remaining = batch.Remaining
		if batch.Remaining == 0 || batch.Downloaded == 0 {
			return total
		}
	}
}

// Status reports local media coverage. With the remote unreachable the
// remote total falls back to the local cache size.
func (m *Manager) Status(ctx context.Context) Status {
	status := Status{}

	entries, err := m.store.ListCatalog(ctx)
	if err != nil {
		m.logError(opStatus, "local_query_failed", err)
		return status
	}
	status.LocalEntries = len(entries)
	for _, entry := range entries {
		code, codeErr := catalog.NewCode(entry.Code)
		if codeErr != nil {
			continue
		}
		if info := m.CheckLocalFile(code); info.Exists {
			status.StorageBytes += info.Size
		}
	}

	status.TotalRemote = status.LocalEntries
	if rows, err := m.remoteRows(ctx); err == nil {
		status.Online = true
		status.TotalRemote = len(rows)
		for _, row := range rows {
			code, codeErr := catalog.NewCode(row.Code)
			if codeErr != nil {
				continue
			}
			if info := m.CheckLocalFile(code); !info.Exists {
				status.MissingFiles++
			}
		}
	}
	return status
}

// drainSliceSize bounds each slice of a full drain so the pause flag gets a
// look-in at a reasonable cadence.
const drainSliceSize = 10

func (m *Manager) downloadRow(ctx context.Context, row remote.CatalogRow, onProgress ProgressFunc) error {
	code, err := catalog.NewCode(row.Code)
	if err != nil {
		return err
	}

	info, err := m.DownloadOne(ctx, code, row.MediaURL, onProgress)
	if err != nil {
		return err
	}

	// File first, then metadata: the local row appears only once the title
	// is actually playable.
	entry := catalog.Entry{
		ID:               row.ID,
		Code:             row.Code,
		Artist:           row.Artist,
		Title:            row.Title,
		MediaURL:         row.MediaURL,
		FileName:         filepath.Base(info.Path),
		SizeBytes:        info.Size,
		DurationSeconds:  row.DurationSeconds,
		OwnerID:          row.OwnerID,
		CreatedAtSeconds: row.CreatedAt.UTC().Unix(),
		UpdatedAtSeconds: row.UpdatedAt.UTC().Unix(),
	}
	syncedAt := m.clock().UTC().Unix()
	entry.SyncedAtSeconds = &syncedAt
	if _, err := m.store.UpsertCatalog(ctx, entry); err != nil {
		return err
	}
	return nil
}

func (m *Manager) missingRows(ctx context.Context) ([]remote.CatalogRow, error) {
	rows, err := m.remoteRows(ctx)
	if err != nil {
		return nil, err
	}
	missing := make([]remote.CatalogRow, 0, len(rows))
	for _, row := range rows {
		code, codeErr := catalog.NewCode(row.Code)
		if codeErr != nil {
			continue
		}
		if info := m.CheckLocalFile(code); !info.Exists {
			missing = append(missing, row)
		}
	}
	return missing, nil
}

func (m *Manager) remoteRows(ctx context.Context) ([]remote.CatalogRow, error) {
	return m.remote.ListCatalog(ctx)
}

// fetchToFile streams the payload into a .part file and renames it into
// place on success, so an interrupted transfer never looks complete.
func (m *Manager) fetchToFile(ctx context.Context, code, sourceURL, targetPath string, onProgress ProgressFunc) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return 0, err
	}

	response, err := m.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d fetching %s", response.StatusCode, code)
	}

	partPath := targetPath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return 0, err
	}

	written, copyErr := m.copyWithProgress(file, response.Body, response.ContentLength, code, onProgress)
	closeErr := file.Close()
	if copyErr != nil {
		os.Remove(partPath)
		return 0, copyErr
	}
	if closeErr != nil {
		os.Remove(partPath)
		return 0, closeErr
	}

	if err := os.Rename(partPath, targetPath); err != nil {
		os.Remove(partPath)
		return 0, err
	}
	return written, nil
}

func (m *Manager) copyWithProgress(dst io.Writer, src io.Reader, totalSize int64, code string, onProgress ProgressFunc) (int64, error) {
	buffer := make([]byte, copyBufferSize)
	var written int64
	lastPercent := -1

	for {
		n, readErr := src.Read(buffer)
		if n > 0 {
			if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
			if onProgress != nil {
				percent := -1
				if totalSize > 0 {
					percent = int(written * 100 / totalSize)
				}
				if percent != lastPercent {
					onProgress(code, percent)
					lastPercent = percent
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func (m *Manager) mediaPath(code, extension string) string {
	return filepath.Join(m.mediaDir, code+extension)
}

func extensionFromURL(sourceURL string) string {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return defaultMediaExtension
	}
	if ext := filepath.Ext(parsed.Path); ext != "" {
		return ext
	}
	return defaultMediaExtension
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("download manager error", attrs...)
}
