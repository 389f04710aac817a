package subscription

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/stackmerce/billing/internal/config"
	"github.com/stackmerce/billing/internal/scheduler"
	subdomain "github.com/stackmerce/billing/internal/subscription/domain"
	"github.com/stackmerce/billing/internal/subscription/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("subscription",
	fx.Provide(service.NewService),
	fx.Invoke(registerBillingHandler),
	fx.Invoke(runDueSweep),
)

func registerBillingHandler(registry *scheduler.Registry, svc subdomain.Service) {
	registry.Register(scheduler.KindSubscriptionBill, func(ctx context.Context, targetID snowflake.ID) error {
		_, err := svc.ProcessBilling(ctx, targetID)
		return err
	})
}

// runDueSweep schedules the periodic safety-net sweep. The due-queue is the
// primary billing trigger; the sweep picks up subscriptions whose scheduled
// action was lost or exhausted its retries.
func runDueSweep(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, svc subdomain.Service) error {
	runner := cron.New(cron.WithSeconds())
	sweepLog := log.Named("subscription.sweep")
	_, err := runner.AddFunc(cfg.SweepSchedule, func() {
		if err := svc.RunDueSweep(context.Background()); err != nil {
			sweepLog.Error("due-billing sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runner.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			<-runner.Stop().Done()
			return nil
		},
	})
	return nil
}
