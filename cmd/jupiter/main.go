package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/jupiter/internal/clock"
	"github.com/smallbiznis/jupiter/internal/config"
	"github.com/smallbiznis/jupiter/internal/logger"
	"github.com/smallbiznis/jupiter/internal/migration"
	"github.com/smallbiznis/jupiter/internal/observability"
	"github.com/smallbiznis/jupiter/internal/scheduler"
	"github.com/smallbiznis/jupiter/internal/server"
	"github.com/smallbiznis/jupiter/pkg/db"
	"go.uber.org/fx"
)

// The monolith: ingest API and reconciliation scheduler in one process.
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

		// Functional domains
		server.Module,
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
