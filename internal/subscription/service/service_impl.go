package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stackmerce/billing/internal/cache"
	"github.com/stackmerce/billing/internal/clock"
	"github.com/stackmerce/billing/internal/config"
	creditdomain "github.com/stackmerce/billing/internal/credit/domain"
	"github.com/stackmerce/billing/internal/events"
	"github.com/stackmerce/billing/internal/fault"
	"github.com/stackmerce/billing/internal/scheduler"
	subdomain "github.com/stackmerce/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const planCacheTTL = 5 * time.Minute

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Cfg     config.Config
	Clock   clock.Clock
	Outbox  *events.Outbox
	Queue   *scheduler.Queue
	Credits creditdomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	cfg     config.Config
	clock   clock.Clock
	outbox  *events.Outbox
	queue   *scheduler.Queue
	credits creditdomain.Service
	plans   *cache.TTLCache[snowflake.ID, subdomain.SubscriptionPlan]
}

func NewService(p Params) subdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		genID:   p.GenID,
		cfg:     p.Cfg,
		clock:   p.Clock,
		outbox:  p.Outbox,
		queue:   p.Queue,
		credits: p.Credits,
		plans:   cache.NewTTLCache[snowflake.ID, subdomain.SubscriptionPlan](),
	}
}

func (s *Service) CreateSubscription(ctx context.Context, req subdomain.CreateRequest) (*subdomain.Subscription, error) {
	if req.TenantID == 0 {
		return nil, fault.NewValidation("tenant_id", "required", "tenant id is required")
	}
	if req.Quantity < 0 {
		return nil, fault.NewValidation("quantity", "invalid_quantity", "quantity must not be negative")
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}

	plan, err := s.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, fault.NewValidation("plan_id", "plan_inactive", "plan is not open for signup")
	}

	now := s.clock.Now()
	sub := subdomain.Subscription{
		ID:                 s.genID.Generate(),
		TenantID:           req.TenantID,
		PlanID:             plan.ID,
		Status:             subdomain.StatusActive,
		Quantity:           quantity,
		CurrentPeriodStart: now,
		Metadata:           toJSONMap(req.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	// The first period is anchored to the trial end when there is one; the
	// paid clock starts ticking only after the trial.
	anchor := now
	if plan.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub.Status = subdomain.StatusTrialing
		sub.TrialEnd = &trialEnd
		anchor = trialEnd
	}
	sub.CurrentPeriodEnd = plan.BillingInterval.Advance(anchor)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(&sub).Error; err != nil {
			return err
		}
		if err := s.queue.Enqueue(ctx, tx, scheduler.KindSubscriptionBill, sub.ID, sub.CurrentPeriodEnd); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: sub.TenantID,
			Type:     events.EventSubscriptionCreated,
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"plan_id":         plan.ID.String(),
				"status":          string(sub.Status),
				"period_end":      sub.CurrentPeriodEnd,
			},
			DedupeKey: "subscription.created:" + sub.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	// Trialing signups get their included credits at conversion, not here.
	// The subscription and its billing action are already committed, so a
	// grant failure is logged, not returned: an error here would make the
	// caller retry and sign the tenant up twice.
	if sub.Status == subdomain.StatusActive && plan.CreditsIncluded > 0 {
		if err := s.grantIncludedCredits(ctx, &sub, plan, sub.CurrentPeriodEnd); err != nil {
			s.log.Error("failed to grant signup credits",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
		}
	}
	return &sub, nil
}

func (s *Service) GetSubscription(ctx context.Context, id snowflake.ID) (*subdomain.Subscription, error) {
	return s.findSubscription(ctx, s.db, id)
}

func (s *Service) ChangePlan(ctx context.Context, req subdomain.ChangePlanRequest) (*subdomain.ChangePlanResult, error) {
	sub, err := s.findSubscription(ctx, s.db, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subdomain.StatusCanceled {
		return nil, fault.NewStateConflict("subscription", sub.ID.String(), "change_plan", string(sub.Status))
	}
	if req.NewPlanID == sub.PlanID {
		return nil, fault.NewValidation("new_plan_id", "same_plan", "subscription is already on this plan")
	}

	oldPlan, err := s.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	newPlan, err := s.GetPlan(ctx, req.NewPlanID)
	if err != nil {
		return nil, err
	}
	if !newPlan.Active {
		return nil, fault.NewValidation("new_plan_id", "plan_inactive", "plan is not open for signup")
	}

	now := s.clock.Now()
	changeType := classifyChange(oldPlan.Price, newPlan.Price)

	var proration int64
	if req.Proration && sub.Status == subdomain.StatusActive {
		proration = prorationAmount(oldPlan.Price, newPlan.Price, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	}

	// Upgrades charge the proration difference against available credit up
	// front; running out of credit aborts the change before any mutation.
	// The downgrade remainder is recorded on the audit row, not refunded.
	charged := false
	if proration > 0 {
		_, err := s.credits.Debit(ctx, creditdomain.DebitRequest{
			TenantID: sub.TenantID,
			Amount:   proration,
			Reason:   "plan_change_proration",
			Metadata: map[string]any{
				"subscription_id": sub.ID.String(),
				"from_plan_id":    oldPlan.ID.String(),
				"to_plan_id":      newPlan.ID.String(),
			},
		})
		if err != nil {
			return nil, err
		}
		charged = true
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		periodStart := sub.CurrentPeriodStart
		periodEnd := sub.CurrentPeriodEnd
		if req.Immediate {
			periodStart = now
			periodEnd = newPlan.BillingInterval.Advance(now)
		}
		result := tx.WithContext(ctx).Exec(
			`UPDATE subscriptions
			 SET plan_id = ?, current_period_start = ?, current_period_end = ?, updated_at = ?
			 WHERE id = ? AND plan_id = ? AND status != ?`,
			newPlan.ID,
			periodStart,
			periodEnd,
			now,
			sub.ID,
			oldPlan.ID,
			subdomain.StatusCanceled,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fault.NewStateConflict("subscription", sub.ID.String(), "change_plan", "changed concurrently")
		}
		sub.PlanID = newPlan.ID
		sub.CurrentPeriodStart = periodStart
		sub.CurrentPeriodEnd = periodEnd
		sub.UpdatedAt = now

		change := subdomain.SubscriptionChange{
			ID:              s.genID.Generate(),
			SubscriptionID:  sub.ID,
			FromPlanID:      oldPlan.ID,
			ToPlanID:        newPlan.ID,
			ChangeType:      changeType,
			ProrationAmount: proration,
			CreatedAt:       now,
		}
		if err := tx.WithContext(ctx).Create(&change).Error; err != nil {
			return err
		}
		if req.Immediate {
			if err := s.queue.Reschedule(ctx, tx, scheduler.KindSubscriptionBill, sub.ID, periodEnd); err != nil {
				return err
			}
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: sub.TenantID,
			Type:     events.EventSubscriptionPlanChanged,
			Payload: map[string]any{
				"subscription_id":  sub.ID.String(),
				"from_plan_id":     oldPlan.ID.String(),
				"to_plan_id":       newPlan.ID.String(),
				"change_type":      string(changeType),
				"proration_amount": proration,
			},
			DedupeKey: "subscription.plan_changed:" + change.ID.String(),
		})
	})
	if err != nil {
		// The proration debit committed before this transaction; losing the
		// CAS must not leave the tenant charged for a change that never
		// happened.
		if charged {
			if refundErr := s.refundProrationCharge(ctx, sub, proration); refundErr != nil {
				s.log.Error("failed to reverse proration charge",
					zap.String("subscription_id", sub.ID.String()),
					zap.Int64("amount", proration),
					zap.Error(refundErr),
				)
			}
		}
		return nil, err
	}

	return &subdomain.ChangePlanResult{
		Subscription:    sub,
		ChangeType:      changeType,
		ProrationAmount: proration,
		Charged:         charged,
	}, nil
}

func (s *Service) CancelSubscription(ctx context.Context, req subdomain.CancelRequest) (*subdomain.Subscription, error) {
	sub, err := s.findSubscription(ctx, s.db, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subdomain.StatusCanceled {
		return nil, fault.NewStateConflict("subscription", sub.ID.String(), "cancel", string(sub.Status))
	}

	now := s.clock.Now()
	if req.Immediate {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.cancelNow(ctx, tx, sub, req.Reason, now); err != nil {
				return err
			}
			return s.queue.CancelPending(ctx, tx, scheduler.KindSubscriptionBill, sub.ID)
		})
		if err != nil {
			return nil, err
		}
		return sub, nil
	}

	// Deferred cancellation keeps the scheduled billing action; the run at
	// period end performs the terminal transition instead of billing.
	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, cancel_reason = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		subdomain.StatusCancelAtPeriodEnd,
		req.Reason,
		now,
		sub.ID,
		subdomain.StatusTrialing,
		subdomain.StatusActive,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fault.NewStateConflict("subscription", sub.ID.String(), "cancel", string(sub.Status))
	}
	sub.Status = subdomain.StatusCancelAtPeriodEnd
	sub.CancelReason = &req.Reason
	sub.UpdatedAt = now
	return sub, nil
}

func (s *Service) ProcessBilling(ctx context.Context, subscriptionID snowflake.ID) (*subdomain.BillingOutcome, error) {
	sub, err := s.findSubscription(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subdomain.StatusCanceled {
		return &subdomain.BillingOutcome{Billed: false, Reason: "not billable"}, nil
	}

	now := s.clock.Now()
	if now.Before(sub.CurrentPeriodEnd) {
		return &subdomain.BillingOutcome{Billed: false, Reason: "not yet due"}, nil
	}

	if sub.Status == subdomain.StatusCancelAtPeriodEnd {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			reason := "period elapsed"
			if sub.CancelReason != nil && *sub.CancelReason != "" {
				reason = *sub.CancelReason
			}
			return s.cancelNow(ctx, tx, sub, reason, now)
		})
		if err != nil {
			if isConflict(err) {
				return &subdomain.BillingOutcome{Billed: false, Reason: "not billable"}, nil
			}
			return nil, err
		}
		return &subdomain.BillingOutcome{Billed: false, Reason: "canceled at period end"}, nil
	}

	plan, err := s.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	if sub.Status == subdomain.StatusTrialing {
		if err := s.convertTrial(ctx, sub, now); err != nil {
			return nil, err
		}
	}

	amount := plan.Price * int64(sub.Quantity)
	if amount <= 0 {
		return s.advancePeriod(ctx, sub, plan, now, 0)
	}

	_, err = s.credits.Debit(ctx, creditdomain.DebitRequest{
		TenantID: sub.TenantID,
		Amount:   amount,
		Reason:   "subscription_billing",
		Metadata: map[string]any{
			"subscription_id": sub.ID.String(),
			"period_end":      sub.CurrentPeriodEnd,
		},
	})
	if err != nil {
		var insufficient *fault.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return s.enterDunning(ctx, sub, now, insufficient)
		}
		return nil, err
	}

	outcome, err := s.advancePeriod(ctx, sub, plan, now, amount)
	if err != nil || !outcome.Billed {
		// A concurrent run advanced the period first; hand the charge
		// back so the ledger records exactly one debit per period.
		if refundErr := s.refundBillingCharge(ctx, sub, amount); refundErr != nil {
			s.log.Error("failed to reverse duplicate billing charge",
				zap.String("subscription_id", sub.ID.String()),
				zap.Int64("amount", amount),
				zap.Error(refundErr),
			)
		}
	}
	return outcome, err
}

func (s *Service) RunDueSweep(ctx context.Context) error {
	now := s.clock.Now()
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM subscriptions
		 WHERE status IN (?, ?, ?) AND current_period_end <= ?
		 ORDER BY current_period_end`,
		subdomain.StatusTrialing,
		subdomain.StatusActive,
		subdomain.StatusCancelAtPeriodEnd,
		now,
	).Scan(&ids).Error
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.ProcessBilling(ctx, id); err != nil {
			s.log.Error("billing sweep failed for subscription",
				zap.String("subscription_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) GetPlan(ctx context.Context, id snowflake.ID) (*subdomain.SubscriptionPlan, error) {
	if plan, ok := s.plans.Get(id); ok {
		return &plan, nil
	}
	var plan subdomain.SubscriptionPlan
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM subscription_plans WHERE id = ?`, id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, fault.NewNotFound("plan", id.String())
	}
	s.plans.Set(id, plan, planCacheTTL)
	return &plan, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]subdomain.SubscriptionPlan, error) {
	var plans []subdomain.SubscriptionPlan
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM subscription_plans WHERE active = ? ORDER BY price`, true,
	).Scan(&plans).Error
	return plans, err
}

// advancePeriod moves the billing window forward by exactly one interval.
// The compare-and-set on the old period end makes concurrent billing runs
// advance at most once.
func (s *Service) advancePeriod(ctx context.Context, sub *subdomain.Subscription, plan *subdomain.SubscriptionPlan, now time.Time, amount int64) (*subdomain.BillingOutcome, error) {
	newStart := sub.CurrentPeriodEnd
	newEnd := plan.BillingInterval.Advance(newStart)

	advanced := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE subscriptions
			 SET status = ?, current_period_start = ?, current_period_end = ?, updated_at = ?
			 WHERE id = ? AND current_period_end = ? AND status IN (?, ?)`,
			subdomain.StatusActive,
			newStart,
			newEnd,
			now,
			sub.ID,
			sub.CurrentPeriodEnd,
			subdomain.StatusTrialing,
			subdomain.StatusActive,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		advanced = true
		if err := s.queue.Reschedule(ctx, tx, scheduler.KindSubscriptionBill, sub.ID, newEnd); err != nil {
			return err
		}
		if err := s.recoverDunning(ctx, tx, sub.ID, now); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: sub.TenantID,
			Type:     events.EventSubscriptionBilled,
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"amount":          amount,
				"period_start":    newStart,
				"period_end":      newEnd,
			},
			DedupeKey: "subscription.billed:" + sub.ID.String() + ":" + newStart.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, err
	}
	if !advanced {
		return &subdomain.BillingOutcome{Billed: false, Reason: "not yet due"}, nil
	}

	sub.Status = subdomain.StatusActive
	sub.CurrentPeriodStart = newStart
	sub.CurrentPeriodEnd = newEnd

	if plan.CreditsIncluded > 0 {
		if err := s.grantIncludedCredits(ctx, sub, plan, newStart); err != nil {
			s.log.Error("failed to grant period credits",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
		}
	}
	return &subdomain.BillingOutcome{Billed: true, Amount: amount}, nil
}

// enterDunning records the failed attempt and schedules the retry; once the
// configured attempts are spent the subscription is canceled.
func (s *Service) enterDunning(ctx context.Context, sub *subdomain.Subscription, now time.Time, cause *fault.InsufficientCreditsError) (*subdomain.BillingOutcome, error) {
	var attempts int
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM subscription_dunning
		 WHERE subscription_id = ? AND status = ?`,
		sub.ID,
		subdomain.DunningPending,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}

	if attempts >= s.cfg.Dunning.MaxAttempts {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.cancelNow(ctx, tx, sub, "dunning_exhausted", now); err != nil {
				return err
			}
			if err := tx.WithContext(ctx).Exec(
				`UPDATE subscription_dunning
				 SET status = ?, updated_at = ?
				 WHERE subscription_id = ? AND status = ?`,
				subdomain.DunningExhausted,
				now,
				sub.ID,
				subdomain.DunningPending,
			).Error; err != nil {
				return err
			}
			return s.queue.CancelPending(ctx, tx, scheduler.KindSubscriptionBill, sub.ID)
		})
		if err != nil {
			if isConflict(err) {
				return &subdomain.BillingOutcome{Billed: false, Reason: "not billable"}, nil
			}
			return nil, err
		}
		return &subdomain.BillingOutcome{Billed: false, Reason: "dunning exhausted"}, nil
	}

	nextAttempt := now.Add(s.cfg.Dunning.RetryDelay)
	lastError := cause.Error()
	attempt := subdomain.DunningAttempt{
		ID:             s.genID.Generate(),
		SubscriptionID: sub.ID,
		Attempt:        attempts + 1,
		Status:         subdomain.DunningPending,
		NextAttemptAt:  nextAttempt,
		LastError:      &lastError,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(&attempt).Error; err != nil {
			return err
		}
		return s.queue.Reschedule(ctx, tx, scheduler.KindSubscriptionBill, sub.ID, nextAttempt)
	})
	if err != nil {
		return nil, err
	}
	s.log.Warn("billing entered dunning",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("attempt", attempt.Attempt),
		zap.Time("next_attempt_at", nextAttempt),
	)
	return &subdomain.BillingOutcome{Billed: false, Reason: "dunning"}, nil
}

func (s *Service) recoverDunning(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscription_dunning
		 SET status = ?, updated_at = ?
		 WHERE subscription_id = ? AND status = ?`,
		subdomain.DunningRecovered,
		now,
		subscriptionID,
		subdomain.DunningPending,
	).Error
}

func (s *Service) convertTrial(ctx context.Context, sub *subdomain.Subscription, now time.Time) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		subdomain.StatusActive,
		now,
		sub.ID,
		subdomain.StatusTrialing,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		sub.Status = subdomain.StatusActive
	}
	return nil
}

// cancelNow is the single terminal transition; the status guard makes a
// lost race surface as StateConflictError instead of a double cancel.
func (s *Service) cancelNow(ctx context.Context, tx *gorm.DB, sub *subdomain.Subscription, reason string, now time.Time) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, canceled_at = ?, cancel_reason = ?, updated_at = ?
		 WHERE id = ? AND status != ?`,
		subdomain.StatusCanceled,
		now,
		reason,
		now,
		sub.ID,
		subdomain.StatusCanceled,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fault.NewStateConflict("subscription", sub.ID.String(), "cancel", string(subdomain.StatusCanceled))
	}
	sub.Status = subdomain.StatusCanceled
	sub.CanceledAt = &now
	sub.CancelReason = &reason
	return s.outbox.PublishTx(ctx, tx, events.Event{
		TenantID: sub.TenantID,
		Type:     events.EventSubscriptionCanceled,
		Payload: map[string]any{
			"subscription_id": sub.ID.String(),
			"reason":          reason,
		},
		DedupeKey: "subscription.canceled:" + sub.ID.String(),
	})
}

func (s *Service) grantIncludedCredits(ctx context.Context, sub *subdomain.Subscription, plan *subdomain.SubscriptionPlan, periodStart time.Time) error {
	_, err := s.credits.Grant(ctx, creditdomain.GrantRequest{
		TenantID: sub.TenantID,
		Amount:   plan.CreditsIncluded,
		Reason:   "subscription_period_credits",
		Metadata: map[string]any{
			"subscription_id": sub.ID.String(),
			"plan_id":         plan.ID.String(),
			"period_start":    periodStart,
		},
	})
	return err
}

func (s *Service) refundProrationCharge(ctx context.Context, sub *subdomain.Subscription, amount int64) error {
	_, err := s.credits.Grant(ctx, creditdomain.GrantRequest{
		TenantID: sub.TenantID,
		Amount:   amount,
		Reason:   "plan_change_reversal",
		Metadata: map[string]any{"subscription_id": sub.ID.String()},
	})
	return err
}

func (s *Service) refundBillingCharge(ctx context.Context, sub *subdomain.Subscription, amount int64) error {
	_, err := s.credits.Grant(ctx, creditdomain.GrantRequest{
		TenantID: sub.TenantID,
		Amount:   amount,
		Reason:   "billing_charge_reversal",
		Metadata: map[string]any{"subscription_id": sub.ID.String()},
	})
	return err
}

func (s *Service) findSubscription(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subdomain.Subscription, error) {
	var sub subdomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE id = ?`, id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, fault.NewNotFound("subscription", id.String())
	}
	return &sub, nil
}

// prorationAmount is the signed mid-cycle price difference:
// newPrice*remaining/period - oldPrice*remaining/period. Positive means the
// tenant owes for the upgrade; negative is an unrefunded downgrade credit.
func prorationAmount(oldPrice, newPrice int64, periodStart, periodEnd, now time.Time) int64 {
	period := periodEnd.Sub(periodStart)
	remaining := periodEnd.Sub(now)
	if period <= 0 || remaining <= 0 {
		return 0
	}
	if remaining > period {
		remaining = period
	}
	return (newPrice - oldPrice) * int64(remaining/time.Second) / int64(period/time.Second)
}

func classifyChange(oldPrice, newPrice int64) subdomain.ChangeType {
	switch {
	case newPrice > oldPrice:
		return subdomain.ChangeUpgrade
	case newPrice < oldPrice:
		return subdomain.ChangeDowngrade
	default:
		return subdomain.ChangeLateral
	}
}

func isConflict(err error) bool {
	var conflict *fault.StateConflictError
	return errors.As(err, &conflict)
}

func toJSONMap(m map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range m {
		out[key] = value
	}
	return out
}
