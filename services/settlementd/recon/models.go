package recon

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Run records one reconciliation pass over the engine and the journal.
type Run struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	StartedAt       time.Time `gorm:"index"`
	CompletedAt     time.Time
	CheckedAccounts int
	CheckedPolicies int
	Batches         int
	FindingCount    int
	Clean           bool
	CSVPath         string `gorm:"size:512"`
	ParquetPath     string `gorm:"size:512"`
}

// Finding persists a single reconciliation failure for operator review.
type Finding struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID `gorm:"type:uuid;index"`
	Check     string    `gorm:"size:64;index"`
	PolicyID  uint64    `gorm:"index"`
	Boundary  uint64    `gorm:"index"`
	Provider  string    `gorm:"size:90"`
	Token     string    `gorm:"size:16"`
	Expected  string    `gorm:"size:80"`
	Actual    string    `gorm:"size:80"`
	Detail    string    `gorm:"size:512"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the reconciler.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Run{},
		&Finding{},
	)
}
