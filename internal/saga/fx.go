package saga

import (
	"github.com/modrunhq/modrun/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("saga",
	fx.Provide(ProvideOptions),
	fx.Provide(New),
)

func ProvideOptions(cfg config.Config) Options {
	return Options{
		DefaultTimeout:     cfg.Executor.DefaultTimeout,
		LongRunningTimeout: cfg.Executor.LongRunningTimeout,
	}
}
