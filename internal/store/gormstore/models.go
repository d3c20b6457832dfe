package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CoinAccount mirrors the coin_accounts table. Version is the optimistic
// counter bumped on every committed balance mutation.
type CoinAccount struct {
	UserID        string          `gorm:"primaryKey;size:64"`
	Balance       decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	FrozenBalance decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	Version       int64           `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (CoinAccount) TableName() string { return "coin_accounts" }

// ComputeLog mirrors the compute_logs table: immutable, append-only, one row
// per realized balance movement.
type ComputeLog struct {
	LogID         string          `gorm:"type:uuid;primaryKey"`
	UserID        string          `gorm:"size:64;not null;index:idx_compute_logs_user_created,priority:1"`
	Type          string          `gorm:"size:32;not null;index"`
	Amount        decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	BeforeBalance decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	AfterBalance  decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	Remark        string          `gorm:"size:255"`
	TaskID        *string         `gorm:"size:64"`
	OrderID       *string         `gorm:"size:64"`
	OperatorID    *string         `gorm:"size:64"`
	Source        string          `gorm:"size:16;not null"`
	Metadata      datatypes.JSON  `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null;index:idx_compute_logs_user_created,priority:2"`
}

func (ComputeLog) TableName() string { return "compute_logs" }

func (entry *ComputeLog) BeforeCreate(tx *gorm.DB) error {
	if entry.LogID == "" {
		entry.LogID = uuid.NewString()
	}
	return nil
}

// ComputeFreezeLog mirrors the compute_freeze_logs table, one row per freeze
// attempt keyed by the unique request id.
type ComputeFreezeLog struct {
	RequestID      string          `gorm:"primaryKey;size:64"`
	UserID         string          `gorm:"size:64;not null;index"`
	Amount         decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	Status         string          `gorm:"size:16;not null;index:idx_freeze_status_frozen,priority:1"`
	ModelID        string          `gorm:"size:64"`
	ConversationID *string         `gorm:"size:64"`
	EstimatedCost  decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	ActualCost     decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	InputTokens    int             `gorm:"not null"`
	OutputTokens   int             `gorm:"not null"`
	Remark         string          `gorm:"size:255"`
	FrozenAt       time.Time       `gorm:"not null;index:idx_freeze_status_frozen,priority:2"`
	SettledAt      *time.Time      `gorm:""`
	RefundedAt     *time.Time      `gorm:""`
}

func (ComputeFreezeLog) TableName() string { return "compute_freeze_logs" }

// ModelPricingRow mirrors the model_pricing table: typed decimal columns
// validated on read, not free-form JSON blobs.
type ModelPricingRow struct {
	ModelID         string          `gorm:"primaryKey;size:64"`
	InputWeight     decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	OutputWeight    decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	BaseFee         decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	RateMultiplier  decimal.Decimal `gorm:"type:numeric(16,4);not null"`
	MaxOutputTokens int             `gorm:"not null"`
	UpdatedAt       time.Time       `gorm:"not null"`
}

func (ModelPricingRow) TableName() string { return "model_pricing" }
