// Package domain defines the contract for the external job executor. The
// saga treats it as an opaque, possibly slow, possibly failing black box and
// never retries it; retry policy belongs to the executor or to the
// scheduled-task runner re-invoking the whole saga.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Job carries everything the workflow engine needs to run one module.
type Job struct {
	ModuleRef string
	UserID    snowflake.ID
	UserEmail string
	Input     map[string]any
	Timeout   time.Duration
}

type Executor interface {
	// Execute runs the job and returns its opaque output. The context
	// deadline bounds the call; a deadline hit surfaces as an error like any
	// other execution failure.
	Execute(ctx context.Context, job Job) (map[string]any, error)
}

var ErrExecutionFailed = errors.New("execution_failed")
