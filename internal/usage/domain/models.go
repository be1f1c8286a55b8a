// Package domain contains the usage record models and recorder contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageStatus is the lifecycle state of a single execution attempt.
// Transitions are monotonic: pending -> success | failed, never reopened.
type UsageStatus string

const (
	UsageStatusPending UsageStatus = "pending"
	UsageStatusSuccess UsageStatus = "success"
	UsageStatusFailed  UsageStatus = "failed"
)

// UsageRecord is the audit record for one attempted module execution,
// correlated to the ledger reservation that paid for it.
type UsageRecord struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	UserID        snowflake.ID      `gorm:"not null;index"`
	ModuleRef     string            `gorm:"type:text;not null"`
	Cost          int64             `gorm:"not null"`
	Status        UsageStatus       `gorm:"type:text;not null;index:idx_usage_records_status_opened,priority:1"`
	Input         datatypes.JSONMap `gorm:"type:jsonb"`
	Output        datatypes.JSONMap `gorm:"type:jsonb"`
	ErrorMessage  string            `gorm:"type:text"`
	ReservationID snowflake.ID      `gorm:"index"`
	OpenedAt      time.Time         `gorm:"not null;index:idx_usage_records_status_opened,priority:2"`
	ClosedAt      *time.Time
	DurationMs    *int64
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }
