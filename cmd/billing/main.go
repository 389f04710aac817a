package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/stackmerce/billing/internal/clock"
	"github.com/stackmerce/billing/internal/config"
	"github.com/stackmerce/billing/internal/credit"
	"github.com/stackmerce/billing/internal/events"
	"github.com/stackmerce/billing/internal/migration"
	"github.com/stackmerce/billing/internal/observability/logger"
	"github.com/stackmerce/billing/internal/observability/tracing"
	"github.com/stackmerce/billing/internal/payment"
	"github.com/stackmerce/billing/internal/scheduler"
	"github.com/stackmerce/billing/internal/seed"
	"github.com/stackmerce/billing/internal/server"
	"github.com/stackmerce/billing/internal/subscription"
	"github.com/stackmerce/billing/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		clock.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		db.Module,
		fx.Invoke(func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return migration.RunMigrations(sqlDB)
		}),
		seed.Module,
		events.Module,
		scheduler.Module,
		payment.Module,
		credit.Module,
		subscription.Module,
		server.Module,
	)
	app.Run()
}
