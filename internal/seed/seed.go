package seed

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subdomain "github.com/stackmerce/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Module seeds the default plan catalog at start. Seeding is idempotent:
// plans are keyed by code and never overwritten.
var Module = fx.Module("seed",
	fx.Invoke(DefaultPlans),
)

func DefaultPlans(db *gorm.DB, genID *snowflake.Node, log *zap.Logger) error {
	plans := []subdomain.SubscriptionPlan{
		{
			Code:            "starter",
			Name:            "Starter",
			Price:           9_99,
			BillingInterval: subdomain.IntervalMonthly,
			CreditsIncluded: 100_00,
			Features:        datatypes.JSONMap{"max_projects": 3},
			TrialDays:       14,
			Active:          true,
		},
		{
			Code:            "growth",
			Name:            "Growth",
			Price:           49_99,
			BillingInterval: subdomain.IntervalMonthly,
			CreditsIncluded: 750_00,
			Features:        datatypes.JSONMap{"max_projects": 25, "priority_support": true},
			TrialDays:       14,
			Active:          true,
		},
		{
			Code:            "scale",
			Name:            "Scale",
			Price:           499_00,
			BillingInterval: subdomain.IntervalYearly,
			CreditsIncluded: 10_000_00,
			Features:        datatypes.JSONMap{"max_projects": -1, "priority_support": true},
			TrialDays:       0,
			Active:          true,
		},
	}

	ctx := context.Background()
	now := time.Now().UTC()
	for _, plan := range plans {
		plan.ID = genID.Generate()
		plan.CreatedAt = now
		plan.UpdatedAt = now
		result := db.WithContext(ctx).Exec(
			`INSERT INTO subscription_plans
			 (id, code, name, price, billing_interval, credits_included, features, trial_days, active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (code) DO NOTHING`,
			plan.ID,
			plan.Code,
			plan.Name,
			plan.Price,
			plan.BillingInterval,
			plan.CreditsIncluded,
			plan.Features,
			plan.TrialDays,
			plan.Active,
			plan.CreatedAt,
			plan.UpdatedAt,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			log.Info("seeded plan", zap.String("code", plan.Code))
		}
	}
	return nil
}
