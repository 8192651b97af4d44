package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/nairaflow/reconciler/internal/clock"
	"github.com/nairaflow/reconciler/internal/config"
	"github.com/nairaflow/reconciler/internal/migration"
	"github.com/nairaflow/reconciler/internal/observability"
	"github.com/nairaflow/reconciler/internal/server"
	"github.com/nairaflow/reconciler/pkg/db"
	"github.com/nairaflow/reconciler/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
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
