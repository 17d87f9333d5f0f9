package catalog

import (
	"errors"
	"fmt"
	"strings"
)

const maxCodeLength = 32

var (
	// ErrInvalidCode indicates that a catalog code is empty or exceeds storage bounds.
	ErrInvalidCode = errors.New("catalog: invalid code")
)

// Code represents a validated catalog code, the natural key of a playable title.
type Code string

// NewCode validates raw input and returns a Code.
func NewCode(rawInput string) (Code, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCode)
	}
	if len(trimmed) > maxCodeLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCode, maxCodeLength)
	}
	return Code(trimmed), nil
}

// String returns the underlying string code.
func (c Code) String() string {
	return string(c)
}

// Entry models a locally cached playable title. Rows arrive either from a
// remote pull or from a completed media download; pulls never overwrite
// fields of an existing row.
type Entry struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Code             string `gorm:"column:code;size:32;not null;uniqueIndex:idx_catalog_code"`
	Artist           string `gorm:"column:artist;size:320;not null"`
	Title            string `gorm:"column:title;size:320;not null"`
	MediaURL         string `gorm:"column:media_url;size:1024;not null"`
	FileName         string `gorm:"column:file_name;size:320"`
	SizeBytes        int64  `gorm:"column:size_bytes"`
	DurationSeconds  int64  `gorm:"column:duration_s"`
	OwnerID          string `gorm:"column:owner_id;size:190"`
	SyncedAtSeconds  *int64 `gorm:"column:synced_at_s"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "catalog_cache"
}

// HistoryEntry records one completed playback. Rows are written local-first
// and carry a nil SyncedAtSeconds until the push to the central store
// succeeds; a failed push leaves the row untouched for the next attempt.
type HistoryEntry struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190"`
	CatalogID        string `gorm:"column:catalog_id;size:190"`
	Code             string `gorm:"column:code;size:32;not null;index:idx_history_code"`
	PlayedAtSeconds  int64  `gorm:"column:played_at_s;not null"`
	SyncedAtSeconds  *int64 `gorm:"column:synced_at_s;index:idx_history_synced"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryEntry) TableName() string {
	return "history_cache"
}
