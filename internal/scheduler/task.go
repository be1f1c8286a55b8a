package scheduler

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ScheduledTask re-invokes a whole saga on a fixed cadence. Retry of a single
// execution never happens here; a failed run simply waits for the next tick.
type ScheduledTask struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	UserID          snowflake.ID      `gorm:"not null;index"`
	UserEmail       string            `gorm:"type:text"`
	ModuleRef       string            `gorm:"type:text;not null"`
	Cost            int64             `gorm:"not null"`
	Payload         datatypes.JSONMap `gorm:"type:jsonb"`
	PublishOutput   bool              `gorm:"not null;default:false"`
	IntervalSeconds int64             `gorm:"not null"`
	Enabled         bool              `gorm:"not null;default:true;index:idx_scheduled_tasks_due,priority:1"`
	NextRunAt       time.Time         `gorm:"not null;index:idx_scheduled_tasks_due,priority:2"`
	LastRunAt       *time.Time
	LastStatus      string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ScheduledTask) TableName() string { return "scheduled_tasks" }

func (t ScheduledTask) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}
