package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// WalletEntry mirrors the wallet_entries table. EntryID is the monotonic
// identifier assigned at insert; rows are never updated except for the
// upstream_refund_ref mirror column.
type WalletEntry struct {
	EntryID                  int64          `gorm:"primaryKey;autoIncrement"`
	UserID                   string         `gorm:"not null;index:idx_wallet_user_created,priority:1"`
	Type                     string         `gorm:"not null"`
	AmountMinorUnits         int64          `gorm:"not null"`
	Currency                 string         `gorm:"not null"`
	Description              string         `gorm:"not null"`
	JobID                    *string        `gorm:"index:idx_wallet_job"`
	PricingSnapshot          datatypes.JSON `gorm:"not null"`
	ApplicationFeeMinorUnits int64          `gorm:"not null;default:0"`
	VendorAccountID          *string        `gorm:""`
	UpstreamPaymentRef       *string        `gorm:""`
	UpstreamRefundRef        *string        `gorm:""`
	RefundOfEntryID          *int64         `gorm:"uniqueIndex:uniq_wallet_refund_of_entry"`
	Metadata                 datatypes.JSON `gorm:"not null"`
	CreatedAt                time.Time      `gorm:"not null;index:idx_wallet_user_created,priority:2"`
}

func (WalletEntry) TableName() string { return "wallet_entries" }

// GenerationJob is a read-only view of the job table owned by the generation
// pipeline; the reconciler only checks existence.
type GenerationJob struct {
	JobID     string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }

// JobQueueEvent is a read-only view of the queue trace table; a row here
// means the job reached the external queue even if the job record is gone.
type JobQueueEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	JobID     string    `gorm:"not null;index:idx_job_queue_events_job"`
	CreatedAt time.Time `gorm:"not null"`
}

func (JobQueueEvent) TableName() string { return "job_queue_events" }
