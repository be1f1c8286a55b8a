// Package domain contains the derived-content models and publisher contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// MaxTitleLength bounds the sniffed title before handing off to storage.
const MaxTitleLength = 200

// ContentItem is the artifact persisted from a successful job's output. It is
// owned independently of the usage record and the ledger; losing or failing
// to write one never affects either.
type ContentItem struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	UserID    snowflake.ID      `gorm:"not null;index"`
	ModuleRef string            `gorm:"type:text;not null"`
	Title     string            `gorm:"type:text"`
	Body      string            `gorm:"type:text"`
	URL       string            `gorm:"type:text"`
	Raw       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ContentItem) TableName() string { return "content_items" }

// Publisher persists a derived artifact from a job's opaque output.
// Best-effort from the saga's point of view: failures are logged upstream and
// never roll anything back.
type Publisher interface {
	Publish(ctx context.Context, userID snowflake.ID, moduleRef string, output map[string]any) error
}
