package scheduler

import (
	"context"

	"github.com/modrunhq/modrun/internal/config"
	"github.com/modrunhq/modrun/internal/lock"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideLocker),
	fx.Provide(New),
	fx.Invoke(StartRunner),
)

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:     cfg.Scheduler.RunInterval,
		BatchSize:       cfg.Scheduler.BatchSize,
		PendingSweepAge: cfg.Scheduler.PendingSweepAge,
		LockTTL:         cfg.Scheduler.LockTTL,
	}
}

// ProvideLocker returns nil when Redis is not configured; the runner treats a
// nil locker as single-replica mode.
func ProvideLocker(cfg config.Config) *lock.Locker {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return lock.NewLocker(client)
}

func StartRunner(lc fx.Lifecycle, cfg config.Config, runner *Runner) {
	if !cfg.Scheduler.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go runner.RunForever(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
