package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	postgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	// ErrConflict signals a duplicate-key insert. Callers branch on it to
	// treat an already-present row as success instead of sniffing driver
	// message strings.
	ErrConflict = errors.New("remote: duplicate row")
	// ErrNotFound signals an absent row on a point lookup.
	ErrNotFound = errors.New("remote: not found")

	errMissingDatabase = errors.New("remote database handle is required")
)

// ClientConfig describes the dependencies of the remote store client.
type ClientConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Client is a thin query layer over the central relational store. Every call
// that touches the network takes a context; any driver failure is returned
// as-is for the caller's offline handling, except duplicates and absent rows
// which map to the typed sentinels above.
type Client struct {
	db    *gorm.DB
	clock func() time.Time
}

// Open dials the central Postgres store and returns a connected client.
func Open(dsn string, clock func() time.Time) (*Client, error) {
	if dsn == "" {
		return nil, fmt.Errorf("remote dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	return NewClient(ClientConfig{Database: db, Clock: clock})
}

// NewClient wraps an existing GORM handle. Tests hand it an embedded SQLite
// database instead of Postgres.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Client{db: cfg.Database, clock: clock}, nil
}

// Ping is the reachability probe: one cheap read against the catalog table.
// It is advisory only; callers still handle per-row failures.
func (c *Client) Ping(ctx context.Context) error {
	var row CatalogRow
	err := c.db.WithContext(ctx).Limit(1).Take(&row).Error
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

// ListCatalog fetches all central catalog rows.
func (c *Client) ListCatalog(ctx context.Context) ([]CatalogRow, error) {
	var rows []CatalogRow
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CatalogByCode fetches one central catalog row by its code.
func (c *Client) CatalogByCode(ctx context.Context, code string) (CatalogRow, error) {
	var row CatalogRow
	err := c.db.WithContext(ctx).Where("code = ?", code).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CatalogRow{}, fmt.Errorf("%w: catalog %s", ErrNotFound, code)
	}
	if err != nil {
		return CatalogRow{}, err
	}
	return row, nil
}

// InsertCatalog pushes a locally originated catalog row upstream.
func (c *Client) InsertCatalog(ctx context.Context, row CatalogRow) error {
	err := c.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: catalog %s", ErrConflict, row.Code)
	}
	return err
}

// InsertHistory pushes one playback row upstream. A duplicate of the row's
// identifier returns ErrConflict, which callers treat as already-synced.
func (c *Client) InsertHistory(ctx context.Context, row HistoryRow) error {
	err := c.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: history %s", ErrConflict, row.ID)
	}
	return err
}

// KeyByValue fetches an activation key by its normalized textual value.
func (c *Client) KeyByValue(ctx context.Context, key string) (ActivationKey, error) {
	var row ActivationKey
	err := c.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ActivationKey{}, ErrNotFound
	}
	if err != nil {
		return ActivationKey{}, err
	}
	return row, nil
}

// MarkKeyExpired flips a key's status to expired once its window has passed.
func (c *Client) MarkKeyExpired(ctx context.Context, keyID string) error {
	return c.db.WithContext(ctx).Model(&ActivationKey{}).
		Where("id = ?", keyID).
		Updates(map[string]interface{}{
			"status":     KeyStatusExpired,
			"updated_at": c.clock().UTC(),
		}).Error
}

// StampFirstUse records the start of a machine key's rolling window. The
// update is conditional on start_date still being null so two concurrent
// first activations cannot both reset the window; the returned time is the
// effective start date either way.
func (c *Client) StampFirstUse(ctx context.Context, keyID string) (time.Time, error) {
	now := c.clock().UTC()
	result := c.db.WithContext(ctx).Model(&ActivationKey{}).
		Where("id = ? AND start_date IS NULL", keyID).
		Updates(map[string]interface{}{
			"start_date":   now,
			"used_at":      now,
			"last_used_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return time.Time{}, result.Error
	}
	if result.RowsAffected > 0 {
		return now, nil
	}

	// Lost the race; read back the winner's stamp.
	var row ActivationKey
	if err := c.db.WithContext(ctx).Where("id = ?", keyID).Take(&row).Error; err != nil {
		return time.Time{}, err
	}
	if row.StartDate == nil {
		return time.Time{}, fmt.Errorf("activation key %s has no start date after stamp", keyID)
	}
	return *row.StartDate, nil
}

// TouchLastUsed records a successful validation against the key.
func (c *Client) TouchLastUsed(ctx context.Context, keyID string) error {
	now := c.clock().UTC()
	return c.db.WithContext(ctx).Model(&ActivationKey{}).
		Where("id = ?", keyID).
		Updates(map[string]interface{}{
			"last_used_at": now,
			"updated_at":   now,
		}).Error
}

// SubscriptionByOwner fetches the billing subscription linked to a key's
// owner. Absence is reported as ErrNotFound, which the validator does not
// treat as a rejection.
func (c *Client) SubscriptionByOwner(ctx context.Context, ownerID string) (Subscription, error) {
	var row Subscription
	err := c.db.WithContext(ctx).Where("owner_id = ?", ownerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	return row, nil
}
