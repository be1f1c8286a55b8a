// Package saga sequences a credit-metered module execution:
// reserve credits, record the attempt, hand off to the external executor,
// then reconcile the ledger and the usage record with whatever happened.
// Compensation rules live here and nowhere else; the ledger and the recorder
// never compensate each other.
package saga

import (
	"time"

	"github.com/bwmarrin/snowflake"
	executordomain "github.com/modrunhq/modrun/internal/executor/domain"
)

// Request describes one execution attempt. Not persisted.
type Request struct {
	UserID    snowflake.ID
	UserEmail string
	ModuleRef string
	Cost      int64
	Payload   map[string]any

	// PublishOutput stores a derived content item from the job's output on
	// success. Best-effort; never affects the outcome.
	PublishOutput bool
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

type RejectionReason string

const (
	RejectionInsufficientCredits RejectionReason = "insufficient_credits"
	RejectionValidationFailed    RejectionReason = "validation_failed"
)

// Rejection carries the user-facing detail of a rejected request.
type Rejection struct {
	Reason RejectionReason
	Detail string

	// Populated for insufficient-credits rejections.
	Required  int64
	Available int64
	Shortfall int64
}

// Outcome is the uniform result of one saga run. Not persisted.
type Outcome struct {
	Status  Status
	UsageID snowflake.ID

	// Completed only.
	Output           map[string]any
	RemainingBalance int64
	DurationMs       int64

	// Rejected only.
	Rejection *Rejection

	// Failed only.
	Cause string
}

// CallSite parameterizes the saga per entry point. The refund flag preserves
// the differing production behaviors instead of hard-coding one of them:
// scheduled runs give credits back on execution failure, interactive runs do
// not.
type CallSite struct {
	Name string

	RefundOnExecutionFailure bool

	// LongRunning selects the extended executor timeout used for module
	// categories such as transcription and video processing.
	LongRunning bool

	// BuildJob maps the request payload to an executor job. Nil means the
	// payload is passed through unchanged.
	BuildJob func(req Request, timeout time.Duration) executordomain.Job
}

var (
	CallSiteDirect = CallSite{Name: "direct"}

	CallSiteChat = CallSite{Name: "chat", BuildJob: taggedJob("chat")}

	CallSiteScheduled = CallSite{
		Name:                     "scheduled",
		RefundOnExecutionFailure: true,
		BuildJob:                 taggedJob("schedule"),
	}

	CallSiteTranscription = CallSite{Name: "transcription", LongRunning: true}

	CallSiteVideoUpload = CallSite{Name: "video_upload", LongRunning: true}
)

func defaultJob(req Request, timeout time.Duration) executordomain.Job {
	return executordomain.Job{
		ModuleRef: req.ModuleRef,
		UserID:    req.UserID,
		UserEmail: req.UserEmail,
		Input:     req.Payload,
		Timeout:   timeout,
	}
}

// taggedJob annotates the input with the triggering channel so workflows can
// branch on how they were invoked.
func taggedJob(trigger string) func(Request, time.Duration) executordomain.Job {
	return func(req Request, timeout time.Duration) executordomain.Job {
		input := make(map[string]any, len(req.Payload)+1)
		for k, v := range req.Payload {
			input[k] = v
		}
		input["trigger"] = trigger

		job := defaultJob(req, timeout)
		job.Input = input
		return job
	}
}
