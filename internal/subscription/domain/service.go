package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// CreateRequest signs a tenant up for a plan.
type CreateRequest struct {
	TenantID snowflake.ID
	PlanID   snowflake.ID
	Quantity int
	Metadata map[string]any
}

// ChangePlanRequest moves a subscription to another plan. When Proration is
// set and the subscription is active, the mid-cycle price difference is
// charged or recorded. When Immediate is set the period window restarts now
// under the new plan's interval.
type ChangePlanRequest struct {
	SubscriptionID snowflake.ID
	NewPlanID      snowflake.ID
	Proration      bool
	Immediate      bool
}

// ChangePlanResult reports the applied change.
type ChangePlanResult struct {
	Subscription    *Subscription
	ChangeType      ChangeType
	ProrationAmount int64
	Charged         bool
}

// CancelRequest ends a subscription, either now or at the period boundary.
type CancelRequest struct {
	SubscriptionID snowflake.ID
	Immediate      bool
	Reason         string
}

// BillingOutcome is the tagged result of one billing run.
type BillingOutcome struct {
	Billed bool
	// Reason explains a non-billed outcome: "not yet due", "not billable",
	// "canceled at period end", or "dunning" when the run entered the
	// retry loop.
	Reason string
	// Amount is the settled charge when Billed is true.
	Amount int64
}

// Service is the subscription lifecycle engine.
type Service interface {
	CreateSubscription(ctx context.Context, req CreateRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, id snowflake.ID) (*Subscription, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (*ChangePlanResult, error)
	CancelSubscription(ctx context.Context, req CancelRequest) (*Subscription, error)

	// ProcessBilling runs one billing cycle for the subscription. It is
	// safe to call early or repeatedly; a run before current_period_end is
	// a no-op reported as {Billed:false, Reason:"not yet due"}.
	ProcessBilling(ctx context.Context, subscriptionID snowflake.ID) (*BillingOutcome, error)

	// RunDueSweep bills every subscription whose period has elapsed. A
	// failure on one subscription is logged and never aborts the sweep.
	RunDueSweep(ctx context.Context) error

	GetPlan(ctx context.Context, id snowflake.ID) (*SubscriptionPlan, error)
	ListPlans(ctx context.Context) ([]SubscriptionPlan, error)
}
