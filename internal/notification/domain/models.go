// Package domain contains the notification models and sink contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one user-facing message about a terminal saga outcome.
type Notification struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	UserID    snowflake.ID      `gorm:"not null;index"`
	Severity  Severity          `gorm:"type:text;not null"`
	Title     string            `gorm:"type:text;not null"`
	Message   string            `gorm:"type:text"`
	Data      datatypes.JSONMap `gorm:"type:jsonb"`
	ReadAt    *time.Time
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "notifications" }

// Sink is the fire-and-forget side channel for terminal outcomes. Notify
// returns nothing: delivery failures are logged inside the sink and must
// never block or fail the calling saga.
type Sink interface {
	Notify(ctx context.Context, userID snowflake.ID, severity Severity, title, message string, data map[string]any)
}
