package remote

import "time"

// Key lifecycle states owned by the central store.
const (
	KeyStatusActive  = "active"
	KeyStatusExpired = "expired"
	KeyStatusRevoked = "revoked"
)

// Subscription states owned by the billing side.
const (
	SubscriptionStatusActive = "active"
)

// CatalogRow mirrors the central catalog table. This client consumes the
// schema; it does not own it.
type CatalogRow struct {
	ID              string    `gorm:"column:id;primaryKey;size:190"`
	Code            string    `gorm:"column:code;size:32;uniqueIndex"`
	Artist          string    `gorm:"column:artist;size:320"`
	Title           string    `gorm:"column:title;size:320"`
	MediaURL        string    `gorm:"column:media_url;size:1024"`
	FileName        string    `gorm:"column:file_name;size:320"`
	SizeBytes       int64     `gorm:"column:size_bytes"`
	DurationSeconds int64     `gorm:"column:duration_s"`
	OwnerID         string    `gorm:"column:owner_id;size:190"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (CatalogRow) TableName() string {
	return "catalog"
}

// HistoryRow mirrors the central playback history table. The primary key is
// the locally generated identifier, which is what makes retried pushes
// convergently idempotent.
type HistoryRow struct {
	ID        string    `gorm:"column:id;primaryKey;size:190"`
	UserID    string    `gorm:"column:user_id;size:190"`
	CatalogID string    `gorm:"column:catalog_id;size:190"`
	Code      string    `gorm:"column:code;size:32"`
	PlayedAt  time.Time `gorm:"column:played_at"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryRow) TableName() string {
	return "history"
}

// ActivationKey mirrors the central license key table.
type ActivationKey struct {
	ID             string     `gorm:"column:id;primaryKey;size:190"`
	Key            string     `gorm:"column:key;size:19;uniqueIndex"`
	Kind           string     `gorm:"column:kind;size:16"`
	Status         string     `gorm:"column:status;size:16"`
	TimeLimitHours *int64     `gorm:"column:time_limit_hours"`
	StartDate      *time.Time `gorm:"column:start_date"`
	ExpirationDate *time.Time `gorm:"column:expiration_date"`
	OwnerID        *string    `gorm:"column:owner_id;size:190"`
	UsedAt         *time.Time `gorm:"column:used_at"`
	LastUsedAt     *time.Time `gorm:"column:last_used_at"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (ActivationKey) TableName() string {
	return "activation_keys"
}

// Subscription mirrors the central billing subscription table.
type Subscription struct {
	ID        string    `gorm:"column:id;primaryKey;size:190"`
	OwnerID   string    `gorm:"column:owner_id;size:190;uniqueIndex"`
	Status    string    `gorm:"column:status;size:16"`
	PeriodEnd time.Time `gorm:"column:period_end"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Subscription) TableName() string {
	return "subscriptions"
}
