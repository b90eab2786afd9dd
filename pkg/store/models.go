package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	Address       string `gorm:"primaryKey"`
	LastSignature string
	Nickname      string
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

type CourseModel struct {
	ID          string `gorm:"primaryKey"`
	Author      string `gorm:"not null;index"`
	Title       string `gorm:"not null"`
	Cover       string
	Description string
	Content     string          `gorm:"type:text"`
	Price       decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	CreatedAt   time.Time       `gorm:"not null"`
}

// PurchaseModel rows are append-only; the composite primary key is the
// sole synchronization point for concurrent inserts of the same pair.
type PurchaseModel struct {
	CourseID    string `gorm:"primaryKey"`
	Buyer       string `gorm:"primaryKey;index"`
	PriceYD     string `gorm:"type:numeric(78,0);not null"`
	EventID     string `gorm:"index"`
	BlockNumber uint64
	CreatedAt   time.Time `gorm:"not null"`
}

// CheckpointModel holds the single ingest watermark row.
type CheckpointModel struct {
	ID          int64  `gorm:"primaryKey"`
	BlockNumber uint64 `gorm:"not null"`
	EventID     string
	UpdatedAt   time.Time `gorm:"not null"`
}

// ChainEventModel is the raw-payload audit trail of ingested events.
type ChainEventModel struct {
	EventID     string `gorm:"primaryKey"`
	BlockNumber uint64 `gorm:"index;not null"`
	Payload     datatypes.JSON
	CreatedAt   time.Time `gorm:"not null"`
}
