package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type OpenRequest struct {
	UserID        snowflake.ID
	ModuleRef     string
	Cost          int64
	Input         map[string]any
	ReservationID snowflake.ID
}

type CloseRequest struct {
	Status       UsageStatus
	Output       map[string]any
	ErrorMessage string
}

// Service owns the lifecycle of usage records. Open creates a pending record;
// Close terminates it exactly once. Compensation of the matching reservation
// is the orchestrator's responsibility, never the recorder's.
type Service interface {
	Open(ctx context.Context, req OpenRequest) (*UsageRecord, error)

	// Close sets the terminal status, output or error message, closed_at and
	// duration. Closing an already-closed record is logged and ignored.
	Close(ctx context.Context, usageID snowflake.ID, req CloseRequest) error

	Get(ctx context.Context, usageID snowflake.ID) (*UsageRecord, error)
}

var (
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidModuleRef   = errors.New("invalid_module_ref")
	ErrInvalidCost        = errors.New("invalid_cost")
	ErrInvalidCloseStatus = errors.New("invalid_close_status")
	ErrUsageNotFound      = errors.New("usage_record_not_found")
)
