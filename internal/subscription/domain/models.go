package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BillingInterval is the plan's billing cadence.
type BillingInterval string

const (
	IntervalDaily   BillingInterval = "daily"
	IntervalWeekly  BillingInterval = "weekly"
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// Advance moves t forward by exactly one interval.
func (i BillingInterval) Advance(t time.Time) time.Time {
	switch i {
	case IntervalDaily:
		return t.AddDate(0, 0, 1)
	case IntervalWeekly:
		return t.AddDate(0, 0, 7)
	case IntervalYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Valid reports whether the interval is one of the supported cadences.
func (i BillingInterval) Valid() bool {
	switch i {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalYearly:
		return true
	}
	return false
}

// SubscriptionPlan is a catalog entry. Price is in hundredths of a credit.
type SubscriptionPlan struct {
	ID              snowflake.ID      `gorm:"column:id;primaryKey"`
	Code            string            `gorm:"column:code"`
	Name            string            `gorm:"column:name"`
	Price           int64             `gorm:"column:price"`
	BillingInterval BillingInterval   `gorm:"column:billing_interval"`
	CreditsIncluded int64             `gorm:"column:credits_included"`
	Features        datatypes.JSONMap `gorm:"column:features"`
	TrialDays       int               `gorm:"column:trial_days"`
	Active          bool              `gorm:"column:active"`
	CreatedAt       time.Time         `gorm:"column:created_at"`
	UpdatedAt       time.Time         `gorm:"column:updated_at"`
}

func (SubscriptionPlan) TableName() string { return "subscription_plans" }

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusCancelAtPeriodEnd SubscriptionStatus = "cancel_at_period_end"
	StatusCanceled          SubscriptionStatus = "canceled"
)

// Subscription binds a tenant to a plan over rolling billing periods.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"column:id;primaryKey"`
	TenantID           snowflake.ID       `gorm:"column:tenant_id"`
	PlanID             snowflake.ID       `gorm:"column:plan_id"`
	Status             SubscriptionStatus `gorm:"column:status"`
	Quantity           int                `gorm:"column:quantity"`
	CurrentPeriodStart time.Time          `gorm:"column:current_period_start"`
	CurrentPeriodEnd   time.Time          `gorm:"column:current_period_end"`
	TrialEnd           *time.Time         `gorm:"column:trial_end"`
	CanceledAt         *time.Time         `gorm:"column:canceled_at"`
	CancelReason       *string            `gorm:"column:cancel_reason"`
	Metadata           datatypes.JSONMap  `gorm:"column:metadata"`
	CreatedAt          time.Time          `gorm:"column:created_at"`
	UpdatedAt          time.Time          `gorm:"column:updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// ChangeType classifies a plan change by price direction.
type ChangeType string

const (
	ChangeUpgrade   ChangeType = "upgrade"
	ChangeDowngrade ChangeType = "downgrade"
	ChangeLateral   ChangeType = "lateral"
)

// SubscriptionChange is the audit record of a plan change.
type SubscriptionChange struct {
	ID              snowflake.ID `gorm:"column:id;primaryKey"`
	SubscriptionID  snowflake.ID `gorm:"column:subscription_id"`
	FromPlanID      snowflake.ID `gorm:"column:from_plan_id"`
	ToPlanID        snowflake.ID `gorm:"column:to_plan_id"`
	ChangeType      ChangeType   `gorm:"column:change_type"`
	ProrationAmount int64        `gorm:"column:proration_amount"`
	CreatedAt       time.Time    `gorm:"column:created_at"`
}

func (SubscriptionChange) TableName() string { return "subscription_changes" }

// DunningStatus tracks one retry in the billing recovery loop.
type DunningStatus string

const (
	DunningPending   DunningStatus = "pending"
	DunningRecovered DunningStatus = "recovered"
	DunningExhausted DunningStatus = "exhausted"
)

// DunningAttempt records a failed billing run and its scheduled retry.
type DunningAttempt struct {
	ID             snowflake.ID  `gorm:"column:id;primaryKey"`
	SubscriptionID snowflake.ID  `gorm:"column:subscription_id"`
	Attempt        int           `gorm:"column:attempt"`
	Status         DunningStatus `gorm:"column:status"`
	NextAttemptAt  time.Time     `gorm:"column:next_attempt_at"`
	LastError      *string       `gorm:"column:last_error"`
	CreatedAt      time.Time     `gorm:"column:created_at"`
	UpdatedAt      time.Time     `gorm:"column:updated_at"`
}

func (DunningAttempt) TableName() string { return "subscription_dunning" }
