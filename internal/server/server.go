package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stackmerce/billing/internal/config"
	creditdomain "github.com/stackmerce/billing/internal/credit/domain"
	paymentdomain "github.com/stackmerce/billing/internal/payment/domain"
	subdomain "github.com/stackmerce/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("server",
	fx.Provide(NewServer),
	fx.Invoke(runHTTPServer),
)

type Params struct {
	fx.In

	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	CreditSvc  creditdomain.Service
	SubSvc     subdomain.Service
	PaymentSvc paymentdomain.Service
}

// Server carries the HTTP handlers and their dependencies.
type Server struct {
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	creditSvc  creditdomain.Service
	subSvc     subdomain.Service
	paymentSvc paymentdomain.Service
}

func NewServer(p Params) *Server {
	return &Server{
		cfg:        p.Cfg,
		db:         p.DB,
		log:        p.Log.Named("server"),
		creditSvc:  p.CreditSvc,
		subSvc:     p.SubSvc,
		paymentSvc: p.PaymentSvc,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.GET("/tenants/:tenant_id/credits/balance", s.GetBalance)
		v1.POST("/tenants/:tenant_id/credits/purchase", s.PurchaseCredits)
		v1.POST("/tenants/:tenant_id/credits/reservations", s.ReserveCredits)
		v1.POST("/credits/reservations/:id/consume", s.ConsumeReservation)
		v1.POST("/credits/reservations/:id/release", s.ReleaseReservation)

		v1.GET("/plans", s.ListPlans)
		v1.POST("/subscriptions", s.CreateSubscription)
		v1.GET("/subscriptions/:id", s.GetSubscription)
		v1.POST("/subscriptions/:id/change-plan", s.ChangePlan)
		v1.POST("/subscriptions/:id/cancel", s.CancelSubscription)

		v1.POST("/payments/:id/refund", s.ProcessRefund)
	}

	r.POST("/webhooks/:provider", s.HandleWebhook)
	return r
}

func runHTTPServer(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("http server stopped", zap.Error(err))
				}
			}()
			s.log.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
