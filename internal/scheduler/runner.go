package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/modrunhq/modrun/internal/clock"
	ledgerdomain "github.com/modrunhq/modrun/internal/ledger/domain"
	"github.com/modrunhq/modrun/internal/lock"
	obsmetrics "github.com/modrunhq/modrun/internal/observability/metrics"
	"github.com/modrunhq/modrun/internal/saga"
	usagedomain "github.com/modrunhq/modrun/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const runnerLockKey = "modrun:scheduler:run"

var ErrInvalidConfig = errors.New("invalid scheduler configuration")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Saga       *saga.Orchestrator
	Ledger     ledgerdomain.Service
	Usage      usagedomain.Service
	Clock      clock.Clock
	Locker     *lock.Locker        `optional:"true"`
	Config     Config              `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Runner fans out one saga per due task and sweeps abandoned pending usage
// records. A failing saga never aborts the rest of the batch.
type Runner struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	saga       *saga.Orchestrator
	ledger     ledgerdomain.Service
	usage      usagedomain.Service
	clock      clock.Clock
	locker     *lock.Locker
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) (*Runner, error) {
	if p.DB == nil || p.Log == nil || p.Saga == nil || p.Ledger == nil || p.Usage == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Runner{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		saga:       p.Saga,
		ledger:     p.Ledger,
		usage:      p.Usage,
		clock:      p.Clock,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}, nil
}

func (r *Runner) RunOnce(ctx context.Context) error {
	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, runnerLockKey, r.cfg.LockTTL)
		if err != nil {
			// The claim query below is safe without the lock; it only keeps
			// replicas from ticking simultaneously.
			r.log.Warn("scheduler lock unavailable, continuing unlocked", zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := r.locker.Release(context.WithoutCancel(ctx), runnerLockKey, token); err != nil {
					r.log.Warn("failed to release scheduler lock", zap.Error(err))
				}
			}()
		}
	}

	tasks, err := r.claimDueTasks(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if r.obsMetrics != nil {
		r.obsMetrics.RecordSchedulerRun(ctx, len(tasks))
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task ScheduledTask) {
			defer wg.Done()
			r.runTask(ctx, task)
		}(task)
	}
	wg.Wait()

	return r.sweepStalePending(ctx)
}

// claimDueTasks selects due tasks and advances their next_run_at in the same
// transaction, so a task claimed by one tick is invisible to the next.
func (r *Runner) claimDueTasks(ctx context.Context, limit int) ([]ScheduledTask, error) {
	now := r.clock.Now()
	var tasks []ScheduledTask
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT * FROM scheduled_tasks
			 WHERE enabled AND next_run_at <= ?
			 ORDER BY next_run_at
			 LIMIT ?`
		if !strings.EqualFold(r.db.Dialector.Name(), "sqlite") {
			query += " FOR UPDATE SKIP LOCKED"
		}
		if err := tx.Raw(query, now, limit).Scan(&tasks).Error; err != nil {
			return err
		}

		for i := range tasks {
			next := now.Add(tasks[i].Interval())
			if err := tx.Exec(
				`UPDATE scheduled_tasks
				 SET next_run_at = ?, last_run_at = ?, updated_at = ?
				 WHERE id = ?`,
				next, now, now, tasks[i].ID,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *Runner) runTask(ctx context.Context, task ScheduledTask) {
	log := r.log.With(
		zap.String("task_id", task.ID.String()),
		zap.String("module_ref", task.ModuleRef),
	)

	outcome, err := r.saga.Run(ctx, saga.CallSiteScheduled, saga.Request{
		UserID:        task.UserID,
		UserEmail:     task.UserEmail,
		ModuleRef:     task.ModuleRef,
		Cost:          task.Cost,
		Payload:       map[string]any(task.Payload),
		PublishOutput: task.PublishOutput,
	})
	status := string(outcome.Status)
	if err != nil {
		status = string(saga.StatusFailed)
		log.Warn("scheduled saga failed", zap.Error(err))
	}

	if err := r.db.WithContext(ctx).Exec(
		`UPDATE scheduled_tasks SET last_status = ?, updated_at = ? WHERE id = ?`,
		status, r.clock.Now(), task.ID,
	).Error; err != nil {
		log.Warn("failed to record task status", zap.Error(err))
	}
}

// sweepStalePending resolves the crash window between recording an attempt
// and reconciling it: pending records past the threshold are closed as
// failed and their reservations refunded.
func (r *Runner) sweepStalePending(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.cfg.PendingSweepAge)
	var records []usagedomain.UsageRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND opened_at < ?", usagedomain.UsageStatusPending, cutoff).
		Limit(r.cfg.BatchSize).
		Find(&records).Error
	if err != nil {
		return err
	}

	for _, record := range records {
		log := r.log.With(zap.String("usage_id", record.ID.String()))
		if err := r.usage.Close(ctx, record.ID, usagedomain.CloseRequest{
			Status:       usagedomain.UsageStatusFailed,
			ErrorMessage: "execution result was never recorded",
		}); err != nil {
			log.Warn("sweep failed to close usage record", zap.Error(err))
			continue
		}
		if record.ReservationID == 0 {
			continue
		}
		if err := r.ledger.Refund(ctx, record.ReservationID); err != nil &&
			!errors.Is(err, ledgerdomain.ErrAlreadyRefunded) {
			log.Warn("sweep failed to refund reservation",
				zap.String("reservation_id", record.ReservationID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (r *Runner) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
