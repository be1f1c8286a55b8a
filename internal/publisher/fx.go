package publisher

import (
	"github.com/modrunhq/modrun/internal/publisher/service"
	"go.uber.org/fx"
)

var Module = fx.Module("publisher.service",
	fx.Provide(service.NewService),
)
