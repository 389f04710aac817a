package events

import (
	"context"

	"github.com/stackmerce/billing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(func(log *zap.Logger) Bus {
		return LogBus{Log: log.Named("events.bus")}
	}),
	fx.Provide(func(db *gorm.DB, log *zap.Logger, bus Bus, cfg config.Config) *Publisher {
		return NewPublisher(db, log, bus, cfg.Worker.BatchSize, cfg.Worker.PollInterval)
	}),
	fx.Invoke(runPublisher),
)

func runPublisher(lc fx.Lifecycle, publisher *Publisher) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go publisher.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
