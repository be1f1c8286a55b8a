package executor

import (
	"github.com/modrunhq/modrun/internal/config"
	executordomain "github.com/modrunhq/modrun/internal/executor/domain"
	"github.com/modrunhq/modrun/internal/executor/workflow"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("executor",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) executordomain.Executor {
	return workflow.NewClient(workflow.Config{
		BaseURL:   cfg.Executor.BaseURL,
		AuthToken: cfg.Executor.AuthToken,
	}, log)
}
