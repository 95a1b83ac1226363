package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/jupiter/internal/clock"
	"github.com/smallbiznis/jupiter/internal/config"
	"github.com/smallbiznis/jupiter/internal/discount"
	"github.com/smallbiznis/jupiter/internal/invoice"
	"github.com/smallbiznis/jupiter/internal/lock"
	"github.com/smallbiznis/jupiter/internal/logger"
	"github.com/smallbiznis/jupiter/internal/migration"
	"github.com/smallbiznis/jupiter/internal/model"
	"github.com/smallbiznis/jupiter/internal/observability"
	"github.com/smallbiznis/jupiter/internal/reconcile"
	"github.com/smallbiznis/jupiter/internal/resolver"
	"github.com/smallbiznis/jupiter/internal/scheduler"
	"github.com/smallbiznis/jupiter/internal/usage"
	"github.com/smallbiznis/jupiter/internal/user"
	"github.com/smallbiznis/jupiter/pkg/db"
	"go.uber.org/fx"
)

// Sweep-only deployment: no HTTP surface. Runs the reconcile, attribution,
// failed-review and monthly-invoice jobs against the shared database.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services the sweeps depend on
		user.Module,
		model.Module,
		discount.Module,
		resolver.Module,
		usage.Module,
		reconcile.Module,
		invoice.Module,
		lock.Module,

		scheduler.Module,
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
