package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/modrunhq/modrun/internal/clock"
	executordomain "github.com/modrunhq/modrun/internal/executor/domain"
	ledgerdomain "github.com/modrunhq/modrun/internal/ledger/domain"
	notificationdomain "github.com/modrunhq/modrun/internal/notification/domain"
	obsmetrics "github.com/modrunhq/modrun/internal/observability/metrics"
	publisherdomain "github.com/modrunhq/modrun/internal/publisher/domain"
	usagedomain "github.com/modrunhq/modrun/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Options bounds executor calls per module category.
type Options struct {
	DefaultTimeout     time.Duration
	LongRunningTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.LongRunningTimeout <= 0 {
		o.LongRunningTimeout = 300 * time.Second
	}
	return o
}

type Params struct {
	fx.In

	Ledger     ledgerdomain.Service
	Usage      usagedomain.Service
	Executor   executordomain.Executor
	Publisher  publisherdomain.Publisher `optional:"true"`
	Sink       notificationdomain.Sink   `optional:"true"`
	Clock      clock.Clock
	Log        *zap.Logger
	Options    Options             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Orchestrator runs the reserve -> record -> execute -> reconcile sequence.
// It holds no locks and no state between runs; the ledger's conditional
// update is the only synchronization point, so any number of instances may
// run concurrently across and within users.
type Orchestrator struct {
	ledger     ledgerdomain.Service
	usage      usagedomain.Service
	executor   executordomain.Executor
	publisher  publisherdomain.Publisher
	sink       notificationdomain.Sink
	clock      clock.Clock
	log        *zap.Logger
	opts       Options
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Orchestrator {
	return &Orchestrator{
		ledger:     p.Ledger,
		usage:      p.Usage,
		executor:   p.Executor,
		publisher:  p.Publisher,
		sink:       p.Sink,
		clock:      p.Clock,
		log:        p.Log.Named("saga.orchestrator"),
		opts:       p.Options.withDefaults(),
		obsMetrics: p.ObsMetrics,
	}
}

// Run executes one saga. The returned error is non-nil only for fatal
// persistence failures; rejections and terminal job failures are encoded in
// the Outcome. Every Completed or Failed outcome leaves the usage record
// closed, and a reservation never outlives a failed attempt to record it.
func (o *Orchestrator) Run(ctx context.Context, site CallSite, req Request) (Outcome, error) {
	log := o.log.With(
		zap.String("call_site", site.Name),
		zap.String("module_ref", req.ModuleRef),
		zap.String("user_id", req.UserID.String()),
	)

	if req.UserID == 0 || strings.TrimSpace(req.ModuleRef) == "" || req.Cost < 0 {
		o.recordOutcome(ctx, site, StatusRejected)
		return Outcome{
			Status:    StatusRejected,
			Rejection: &Rejection{Reason: RejectionValidationFailed, Detail: "invalid request"},
		}, nil
	}

	// Step 1: reserve. Side-effect free on failure.
	var reservationID snowflake.ID
	if req.Cost > 0 {
		id, err := o.ledger.Reserve(ctx, req.UserID, req.Cost)
		if err != nil {
			var insufficient *ledgerdomain.InsufficientCreditsError
			if errors.As(err, &insufficient) {
				log.Info("execution rejected, insufficient credits",
					zap.Int64("required", insufficient.Required),
					zap.Int64("available", insufficient.Available),
				)
				o.notify(ctx, req, notificationdomain.SeverityWarning,
					"Not enough credits",
					fmt.Sprintf("Running %s needs %d credits but only %d are available.",
						req.ModuleRef, insufficient.Required, insufficient.Available),
				)
				o.recordOutcome(ctx, site, StatusRejected)
				return Outcome{
					Status: StatusRejected,
					Rejection: &Rejection{
						Reason:    RejectionInsufficientCredits,
						Detail:    insufficient.Error(),
						Required:  insufficient.Required,
						Available: insufficient.Available,
						Shortfall: insufficient.Shortfall,
					},
				}, nil
			}
			log.Error("credit reservation failed", zap.Error(err))
			return Outcome{}, fmt.Errorf("reserve credits: %w", err)
		}
		reservationID = id
	}

	// Step 2: record the attempt. A reservation must never outlive a failed
	// attempt to record it.
	record, err := o.usage.Open(ctx, usagedomain.OpenRequest{
		UserID:        req.UserID,
		ModuleRef:     req.ModuleRef,
		Cost:          req.Cost,
		Input:         req.Payload,
		ReservationID: reservationID,
	})
	if err != nil {
		log.Error("failed to open usage record", zap.Error(err))
		o.compensate(ctx, log, reservationID)
		o.recordOutcome(ctx, site, StatusFailed)
		return Outcome{Status: StatusFailed, Cause: err.Error()}, fmt.Errorf("open usage record: %w", err)
	}
	log = log.With(zap.String("usage_id", record.ID.String()))

	// Caller attributes required by the executor are validated after the
	// attempt is recorded, so the audit trail shows the rejected run instead
	// of leaving nothing behind.
	if strings.TrimSpace(req.UserEmail) == "" {
		o.closeRecord(ctx, log, record.ID, usagedomain.CloseRequest{
			Status:       usagedomain.UsageStatusFailed,
			ErrorMessage: "missing user email",
		})
		o.compensate(ctx, log, reservationID)
		o.notify(ctx, req, notificationdomain.SeverityError,
			"Execution rejected",
			"Your account has no email address on file.",
		)
		o.recordOutcome(ctx, site, StatusRejected)
		return Outcome{
			Status:    StatusRejected,
			UsageID:   record.ID,
			Rejection: &Rejection{Reason: RejectionValidationFailed, Detail: "missing user email"},
		}, nil
	}

	// Step 3: execute.
	timeout := o.opts.DefaultTimeout
	if site.LongRunning {
		timeout = o.opts.LongRunningTimeout
	}
	buildJob := site.BuildJob
	if buildJob == nil {
		buildJob = defaultJob
	}

	output, execErr := o.executor.Execute(ctx, buildJob(req, timeout))
	closedAt := o.clock.Now()
	if o.obsMetrics != nil {
		o.obsMetrics.ObserveExecutorDuration(ctx, req.ModuleRef, closedAt.Sub(record.OpenedAt))
	}

	// Step 4: execution failure, including timeouts.
	if execErr != nil {
		log.Warn("module execution failed", zap.Error(execErr))
		o.closeRecord(ctx, log, record.ID, usagedomain.CloseRequest{
			Status:       usagedomain.UsageStatusFailed,
			ErrorMessage: execErr.Error(),
		})
		if site.RefundOnExecutionFailure {
			o.compensate(ctx, log, reservationID)
		}
		o.notify(ctx, req, notificationdomain.SeverityError,
			"Execution failed",
			fmt.Sprintf("%s did not complete: %s", req.ModuleRef, execErr.Error()),
		)
		o.recordOutcome(ctx, site, StatusFailed)
		return Outcome{Status: StatusFailed, UsageID: record.ID, Cause: execErr.Error()}, nil
	}

	// Step 5: success. Closing the record is the one reconciliation write
	// that must not be lost; its failure is fatal.
	if err := o.usage.Close(ctx, record.ID, usagedomain.CloseRequest{
		Status: usagedomain.UsageStatusSuccess,
		Output: output,
	}); err != nil {
		log.Error("failed to close usage record after success", zap.Error(err))
		o.recordOutcome(ctx, site, StatusFailed)
		return Outcome{Status: StatusFailed, UsageID: record.ID, Cause: err.Error()},
			fmt.Errorf("close usage record: %w", err)
	}

	o.notify(ctx, req, notificationdomain.SeveritySuccess,
		"Execution finished",
		fmt.Sprintf("%s completed successfully.", req.ModuleRef),
	)

	if req.PublishOutput && o.publisher != nil {
		if err := o.publisher.Publish(ctx, req.UserID, req.ModuleRef, output); err != nil {
			// The expensive, irreversible work already succeeded; a lost
			// artifact never rolls the saga back.
			log.Warn("failed to publish output", zap.Error(err))
		}
	}

	// Step 6: re-read the balance instead of doing local arithmetic, so
	// concurrent grants and spends are reflected.
	remaining, err := o.ledger.Balance(ctx, req.UserID)
	if err != nil {
		if !errors.Is(err, ledgerdomain.ErrUnknownAccount) {
			log.Warn("failed to re-read balance", zap.Error(err))
		}
		remaining = 0
	}

	o.recordOutcome(ctx, site, StatusCompleted)
	return Outcome{
		Status:           StatusCompleted,
		UsageID:          record.ID,
		Output:           output,
		RemainingBalance: remaining,
		DurationMs:       closedAt.Sub(record.OpenedAt).Milliseconds(),
	}, nil
}

// compensate refunds a reservation, tolerating replays. Refund failures are
// logged with full context for the reconciliation sweep to pick up; they do
// not change the saga's outcome.
func (o *Orchestrator) compensate(ctx context.Context, log *zap.Logger, reservationID snowflake.ID) {
	if reservationID == 0 {
		return
	}
	err := o.ledger.Refund(ctx, reservationID)
	if err != nil && !errors.Is(err, ledgerdomain.ErrAlreadyRefunded) {
		log.Error("failed to refund reservation",
			zap.String("reservation_id", reservationID.String()),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) closeRecord(ctx context.Context, log *zap.Logger, usageID snowflake.ID, req usagedomain.CloseRequest) {
	if err := o.usage.Close(ctx, usageID, req); err != nil {
		log.Error("failed to close usage record", zap.Error(err))
	}
}

func (o *Orchestrator) notify(ctx context.Context, req Request, severity notificationdomain.Severity, title, message string) {
	if o.sink == nil {
		return
	}
	data := map[string]any{
		"module_ref": req.ModuleRef,
	}
	if addr := strings.TrimSpace(req.UserEmail); addr != "" {
		data["user_email"] = addr
	}
	o.sink.Notify(ctx, req.UserID, severity, title, message, data)
}

func (o *Orchestrator) recordOutcome(ctx context.Context, site CallSite, status Status) {
	if o.obsMetrics == nil {
		return
	}
	o.obsMetrics.RecordSagaOutcome(ctx, site.Name, string(status))
}
