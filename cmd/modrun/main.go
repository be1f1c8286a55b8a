package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/modrunhq/modrun/internal/clock"
	"github.com/modrunhq/modrun/internal/config"
	"github.com/modrunhq/modrun/internal/executor"
	"github.com/modrunhq/modrun/internal/ledger"
	"github.com/modrunhq/modrun/internal/logger"
	"github.com/modrunhq/modrun/internal/migration"
	"github.com/modrunhq/modrun/internal/notification"
	"github.com/modrunhq/modrun/internal/observability"
	emailprovider "github.com/modrunhq/modrun/internal/providers/email"
	"github.com/modrunhq/modrun/internal/publisher"
	"github.com/modrunhq/modrun/internal/saga"
	"github.com/modrunhq/modrun/internal/scheduler"
	"github.com/modrunhq/modrun/internal/seed"
	"github.com/modrunhq/modrun/internal/usage"
	"github.com/modrunhq/modrun/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services
		ledger.Module,
		usage.Module,
		executor.Module,
		emailprovider.Module,
		publisher.Module,
		notification.Module,
		saga.Module,
		scheduler.Module,

		seed.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
