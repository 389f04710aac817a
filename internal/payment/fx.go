package payment

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/stackmerce/billing/internal/config"
	"github.com/stackmerce/billing/internal/payment/adapters"
	"github.com/stackmerce/billing/internal/payment/adapters/cardgate"
	"github.com/stackmerce/billing/internal/payment/adapters/swiftpay"
	paymentdomain "github.com/stackmerce/billing/internal/payment/domain"
	"github.com/stackmerce/billing/internal/payment/service"
	"github.com/stackmerce/billing/internal/scheduler"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(func(cfg config.Config) *adapters.Registry {
		return adapters.NewRegistry(
			swiftpay.New(cfg.Payment.Providers["swiftpay"].WebhookSecret, cfg.Payment.InstantTransferTTL),
			cardgate.New(cfg.Payment.Providers["cardgate"].WebhookSecret),
		)
	}),
	fx.Provide(service.NewService),
	fx.Invoke(registerExpiryHandler),
)

func registerExpiryHandler(registry *scheduler.Registry, svc paymentdomain.Service) {
	registry.Register(scheduler.KindPaymentExpire, func(ctx context.Context, targetID snowflake.ID) error {
		_, err := svc.ExpirePayment(ctx, targetID)
		return err
	})
}
