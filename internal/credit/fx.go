package credit

import (
	"context"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/stackmerce/billing/internal/credit/domain"
	"github.com/stackmerce/billing/internal/credit/service"
	"github.com/stackmerce/billing/internal/scheduler"
	"go.uber.org/fx"
)

var Module = fx.Module("credit",
	fx.Provide(service.NewService),
	fx.Invoke(registerExpiryHandler),
)

func registerExpiryHandler(registry *scheduler.Registry, svc creditdomain.Service) {
	registry.Register(scheduler.KindReservationExpire, func(ctx context.Context, targetID snowflake.ID) error {
		_, err := svc.ExpireReservation(ctx, targetID)
		return err
	})
}
