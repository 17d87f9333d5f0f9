package store

// Activation kinds persisted in the singleton record and mirrored by the
// central key table.
const (
	KindSubscription = "subscription"
	KindMachine      = "machine"
)

// activationRowID pins the singleton; every write targets the same row.
const activationRowID = "1"

// ActivationRecord is the locally persisted license state. At most one row
// exists per installation; it is overwritten on every successful online
// validation and removed only on explicit deactivation.
type ActivationRecord struct {
	ID                 string   `gorm:"column:id;primaryKey;size:8;not null"`
	Key                string   `gorm:"column:key;size:19;not null;uniqueIndex"`
	Kind               string   `gorm:"column:kind;size:16;not null"`
	DaysRemaining      *int64   `gorm:"column:days_remaining"`
	HoursRemaining     *float64 `gorm:"column:hours_remaining"`
	ExpiresAtSeconds   *int64   `gorm:"column:expires_at_s"`
	ValidatedAtSeconds int64    `gorm:"column:validated_at_s;not null"`
	CreatedAtSeconds   int64    `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64    `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ActivationRecord) TableName() string {
	return "activation_local"
}
