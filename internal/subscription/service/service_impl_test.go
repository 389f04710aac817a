package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stackmerce/billing/internal/clock"
	"github.com/stackmerce/billing/internal/config"
	creditdomain "github.com/stackmerce/billing/internal/credit/domain"
	creditservice "github.com/stackmerce/billing/internal/credit/service"
	"github.com/stackmerce/billing/internal/events"
	"github.com/stackmerce/billing/internal/fault"
	paymentdomain "github.com/stackmerce/billing/internal/payment/domain"
	"github.com/stackmerce/billing/internal/scheduler"
	subdomain "github.com/stackmerce/billing/internal/subscription/domain"
	"github.com/stackmerce/billing/internal/testdb"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stubPayments satisfies the payment contract for wiring the credit service;
// no test here reaches the purchase path.
type stubPayments struct{}

func (stubPayments) ProcessPayment(ctx context.Context, req paymentdomain.ProcessRequest) (*paymentdomain.PaymentIntent, error) {
	return nil, errors.New("not implemented")
}

func (stubPayments) HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (*paymentdomain.WebhookOutcome, error) {
	return nil, errors.New("not implemented")
}

func (stubPayments) ProcessRefund(ctx context.Context, paymentID snowflake.ID, amount int64, reason string) (*paymentdomain.RefundResult, error) {
	return nil, errors.New("not implemented")
}

func (stubPayments) ExpirePayment(ctx context.Context, paymentID snowflake.ID) (bool, error) {
	return false, errors.New("not implemented")
}

func (stubPayments) RegisterCompletionHook(hook paymentdomain.CompletionHook) {}

type subTestEnv struct {
	svc     subdomain.Service
	credits creditdomain.Service
	clk     *clock.Fixed
	db      *gorm.DB
	genID   *snowflake.Node
}

func setupSubscriptionService(t *testing.T, cfg config.Config) *subTestEnv {
	t.Helper()
	db := testdb.Open(t)

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("new snowflake node: %v", err)
	}
	outbox := events.NewOutbox(db, zap.NewNop(), node)
	queue := scheduler.NewQueue(db, node)
	credits := creditservice.NewService(creditservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Cfg:      cfg,
		Outbox:   outbox,
		Queue:    queue,
		Payments: stubPayments{},
	})

	clk := &clock.Fixed{Instant: time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Cfg:     cfg,
		Clock:   clk,
		Outbox:  outbox,
		Queue:   queue,
		Credits: credits,
	})
	return &subTestEnv{svc: svc, credits: credits, clk: clk, db: db, genID: node}
}

func (e *subTestEnv) insertPlan(t *testing.T, code string, price, creditsIncluded int64, interval subdomain.BillingInterval, trialDays int) *subdomain.SubscriptionPlan {
	t.Helper()
	now := e.clk.Now()
	plan := subdomain.SubscriptionPlan{
		ID:              e.genID.Generate(),
		Code:            code,
		Name:            code,
		Price:           price,
		BillingInterval: interval,
		CreditsIncluded: creditsIncluded,
		TrialDays:       trialDays,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.db.Create(&plan).Error; err != nil {
		t.Fatalf("insert plan %s: %v", code, err)
	}
	return &plan
}

func (e *subTestEnv) grant(t *testing.T, tenant snowflake.ID, amount int64) {
	t.Helper()
	if _, err := e.credits.Grant(context.Background(), creditdomain.GrantRequest{
		TenantID: tenant,
		Amount:   amount,
		Reason:   "test",
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func TestCreateSubscriptionWithTrial(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "pro", 20_00, 100_00, subdomain.IntervalMonthly, 14)
	tenant := snowflake.ID(5001)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{
		TenantID: tenant,
		PlanID:   plan.ID,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.Status != subdomain.StatusTrialing {
		t.Fatalf("status = %s, want trialing", sub.Status)
	}
	wantTrialEnd := env.clk.Now().AddDate(0, 0, 14)
	if sub.TrialEnd == nil || !sub.TrialEnd.Equal(wantTrialEnd) {
		t.Fatalf("trial end = %v, want %v", sub.TrialEnd, wantTrialEnd)
	}
	if !sub.CurrentPeriodEnd.Equal(wantTrialEnd.AddDate(0, 1, 0)) {
		t.Fatalf("period end = %v, want trial end plus one month", sub.CurrentPeriodEnd)
	}

	// Included credits wait for trial conversion.
	balance, err := env.credits.Balance(context.Background(), tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 during trial", balance)
	}
}

func TestCreateSubscriptionGrantsSignupCredits(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "basic", 10_00, 50_00, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(5002)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{
		TenantID: tenant,
		PlanID:   plan.ID,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.Status != subdomain.StatusActive {
		t.Fatalf("status = %s, want active", sub.Status)
	}

	balance, err := env.credits.Balance(context.Background(), tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 50_00 {
		t.Fatalf("balance = %d, want 5000 signup credits", balance)
	}
}

func TestProcessBillingNotYetDue(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(5003)
	env.grant(t, tenant, 100_00)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	outcome, err := env.svc.ProcessBilling(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("process billing: %v", err)
	}
	if outcome.Billed || outcome.Reason != "not yet due" {
		t.Fatalf("outcome = %+v, want not yet due", outcome)
	}

	reloaded, err := env.svc.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if !reloaded.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) {
		t.Fatal("early billing run must not move the period")
	}
}

func TestProcessBillingAdvancesPeriodOnce(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "basic", 10_00, 25_00, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(5004)
	env.grant(t, tenant, 100_00)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	balanceBefore, err := env.credits.Balance(context.Background(), tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}

	oldEnd := sub.CurrentPeriodEnd
	env.clk.Advance(32 * 24 * time.Hour)

	outcome, err := env.svc.ProcessBilling(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("process billing: %v", err)
	}
	if !outcome.Billed || outcome.Amount != 10_00 {
		t.Fatalf("outcome = %+v, want billed 1000", outcome)
	}

	reloaded, err := env.svc.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if !reloaded.CurrentPeriodStart.Equal(oldEnd) {
		t.Fatalf("period start = %v, want previous end %v", reloaded.CurrentPeriodStart, oldEnd)
	}
	if !reloaded.CurrentPeriodEnd.Equal(oldEnd.AddDate(0, 1, 0)) {
		t.Fatalf("period end = %v, want exactly one interval past %v", reloaded.CurrentPeriodEnd, oldEnd)
	}

	// Charged 1000, granted 2500 for the new period.
	balance, err := env.credits.Balance(context.Background(), tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != balanceBefore-10_00+25_00 {
		t.Fatalf("balance = %d, want %d", balance, balanceBefore-10_00+25_00)
	}

	// The same run repeated is a no-op until the new period elapses.
	outcome, err = env.svc.ProcessBilling(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("process billing: %v", err)
	}
	if outcome.Billed || outcome.Reason != "not yet due" {
		t.Fatalf("outcome = %+v, want not yet due after advance", outcome)
	}
}

func TestProcessBillingEntersDunning(t *testing.T) {
	cfg := config.Default()
	cfg.Dunning.RetryDelay = time.Hour
	env := setupSubscriptionService(t, cfg)
	plan := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(5005)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	env.clk.Advance(32 * 24 * time.Hour)

	outcome, err := env.svc.ProcessBilling(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("process billing: %v", err)
	}
	if outcome.Billed || outcome.Reason != "dunning" {
		t.Fatalf("outcome = %+v, want dunning", outcome)
	}

	var attempt subdomain.DunningAttempt
	if err := env.db.Raw(
		`SELECT * FROM subscription_dunning WHERE subscription_id = ?`, sub.ID,
	).Scan(&attempt).Error; err != nil {
		t.Fatalf("load dunning attempt: %v", err)
	}
	if attempt.ID == 0 || attempt.Attempt != 1 || attempt.Status != subdomain.DunningPending {
		t.Fatalf("attempt = %+v, want pending attempt 1", attempt)
	}
	if !attempt.NextAttemptAt.Equal(env.clk.Now().Add(time.Hour)) {
		t.Fatalf("next attempt at %v, want retry delay from now", attempt.NextAttemptAt)
	}
}

func TestDunningExhaustionCancelsSubscription(t *testing.T) {
	cfg := config.Default()
	cfg.Dunning.MaxAttempts = 1
	cfg.Dunning.RetryDelay = time.Hour
	env := setupSubscriptionService(t, cfg)
	plan := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(5006)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	env.clk.Advance(32 * 24 * time.Hour)

	if _, err := env.svc.ProcessBilling(context.Background(), sub.ID); err != nil {
		t.Fatalf("first billing run: %v", err)
	}
	env.clk.Advance(2 * time.Hour)

	outcome, err := env.svc.ProcessBilling(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("second billing run: %v", err)
	}
	if outcome.Billed || outcome.Reason != "dunning exhausted" {
		t.Fatalf("outcome = %+v, want dunning exhausted", outcome)
	}

	reloaded, err := env.svc.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if reloaded.Status != subdomain.StatusCanceled {
		t.Fatalf("status = %s, want canceled", reloaded.Status)
	}
	if reloaded.CancelReason == nil || *reloaded.CancelReason != "dunning_exhausted" {
		t.Fatalf("cancel reason = %v, want dunning_exhausted", reloaded.CancelReason)
	}

	var exhausted int
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM subscription_dunning WHERE subscription_id = ? AND status = ?`,
		sub.ID,
		subdomain.DunningExhausted,
	).Scan(&exhausted).Error; err != nil {
		t.Fatalf("count dunning rows: %v", err)
	}
	if exhausted != 1 {
		t.Fatalf("exhausted rows = %d, want 1", exhausted)
	}
}

func TestBillingRecoversFromDunning(t *testing.T) {
	cfg := config.Default()
	cfg.Dunning.RetryDelay = time.Hour
	env := setupSubscriptionService(t, cfg)
	plan := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(5007)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	env.clk.Advance(32 * 24 * time.Hour)

	if _, err := env.svc.ProcessBilling(context.Background(), sub.ID); err != nil {
		t.Fatalf("first billing run: %v", err)
	}

	env.grant(t, tenant, 50_00)
	env.clk.Advance(2 * time.Hour)

	outcome, err := env.svc.ProcessBilling(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("retry billing run: %v", err)
	}
	if !outcome.Billed {
		t.Fatalf("outcome = %+v, want billed after top-up", outcome)
	}

	var recovered int
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM subscription_dunning WHERE subscription_id = ? AND status = ?`,
		sub.ID,
		subdomain.DunningRecovered,
	).Scan(&recovered).Error; err != nil {
		t.Fatalf("count dunning rows: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered rows = %d, want 1", recovered)
	}
}

func TestChangePlanSamePlanIsRejected(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(6001)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	_, err = env.svc.ChangePlan(context.Background(), subdomain.ChangePlanRequest{
		SubscriptionID: sub.ID,
		NewPlanID:      plan.ID,
	})
	var validation *fault.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validation.Code != "same_plan" {
		t.Fatalf("code = %s, want same_plan", validation.Code)
	}
}

func TestChangePlanUpgradeChargesProration(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	basic := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	pro := env.insertPlan(t, "pro", 30_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(6002)
	env.grant(t, tenant, 100_00)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: basic.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	// Half the period remains.
	env.clk.Advance(sub.CurrentPeriodEnd.Sub(env.clk.Now()) / 2)
	balanceBefore, err := env.credits.Balance(context.Background(), tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}

	result, err := env.svc.ChangePlan(context.Background(), subdomain.ChangePlanRequest{
		SubscriptionID: sub.ID,
		NewPlanID:      pro.ID,
		Proration:      true,
	})
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if result.ChangeType != subdomain.ChangeUpgrade {
		t.Fatalf("change type = %s, want upgrade", result.ChangeType)
	}
	if result.ProrationAmount <= 0 {
		t.Fatalf("proration = %d, want positive for an upgrade mid-period", result.ProrationAmount)
	}
	if !result.Charged {
		t.Fatal("expected the upgrade proration to be charged")
	}

	balance, err := env.credits.Balance(context.Background(), tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != balanceBefore-result.ProrationAmount {
		t.Fatalf("balance = %d, want %d", balance, balanceBefore-result.ProrationAmount)
	}
}

func TestChangePlanDowngradeRecordsWithoutRefund(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	pro := env.insertPlan(t, "pro", 30_00, 0, subdomain.IntervalMonthly, 0)
	basic := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(6003)
	env.grant(t, tenant, 100_00)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: pro.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	env.clk.Advance(sub.CurrentPeriodEnd.Sub(env.clk.Now()) / 2)
	balanceBefore, err := env.credits.Balance(context.Background(), tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}

	result, err := env.svc.ChangePlan(context.Background(), subdomain.ChangePlanRequest{
		SubscriptionID: sub.ID,
		NewPlanID:      basic.ID,
		Proration:      true,
	})
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if result.ChangeType != subdomain.ChangeDowngrade {
		t.Fatalf("change type = %s, want downgrade", result.ChangeType)
	}
	if result.ProrationAmount >= 0 {
		t.Fatalf("proration = %d, want negative for a downgrade", result.ProrationAmount)
	}
	if result.Charged {
		t.Fatal("downgrades are recorded, never refunded or charged")
	}

	balance, err := env.credits.Balance(context.Background(), tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != balanceBefore {
		t.Fatalf("balance = %d, want unchanged %d", balance, balanceBefore)
	}

	var change subdomain.SubscriptionChange
	if err := env.db.Raw(
		`SELECT * FROM subscription_changes WHERE subscription_id = ?`, sub.ID,
	).Scan(&change).Error; err != nil {
		t.Fatalf("load change: %v", err)
	}
	if change.ProrationAmount != result.ProrationAmount {
		t.Fatalf("audit proration = %d, want %d", change.ProrationAmount, result.ProrationAmount)
	}
}

func TestCancelImmediate(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(7001)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	canceled, err := env.svc.CancelSubscription(context.Background(), subdomain.CancelRequest{
		SubscriptionID: sub.ID,
		Immediate:      true,
		Reason:         "tenant request",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != subdomain.StatusCanceled {
		t.Fatalf("status = %s, want canceled", canceled.Status)
	}

	var pending int
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM scheduled_actions WHERE kind = ? AND target_id = ? AND status = ?`,
		scheduler.KindSubscriptionBill,
		sub.ID,
		scheduler.ActionStatusPending,
	).Scan(&pending).Error; err != nil {
		t.Fatalf("count actions: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending billing actions = %d, want 0 after immediate cancel", pending)
	}

	_, err = env.svc.CancelSubscription(context.Background(), subdomain.CancelRequest{SubscriptionID: sub.ID, Immediate: true})
	var conflict *fault.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError on double cancel, got %v", err)
	}
}

func TestCancelAtPeriodEnd(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(7002)
	env.grant(t, tenant, 100_00)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	deferred, err := env.svc.CancelSubscription(context.Background(), subdomain.CancelRequest{
		SubscriptionID: sub.ID,
		Reason:         "switching providers",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if deferred.Status != subdomain.StatusCancelAtPeriodEnd {
		t.Fatalf("status = %s, want cancel_at_period_end", deferred.Status)
	}

	// Before the period elapses nothing happens.
	outcome, err := env.svc.ProcessBilling(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("process billing: %v", err)
	}
	if outcome.Reason != "not yet due" {
		t.Fatalf("outcome = %+v, want not yet due", outcome)
	}

	env.clk.Advance(32 * 24 * time.Hour)
	outcome, err = env.svc.ProcessBilling(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("process billing: %v", err)
	}
	if outcome.Billed || outcome.Reason != "canceled at period end" {
		t.Fatalf("outcome = %+v, want canceled at period end", outcome)
	}

	reloaded, err := env.svc.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if reloaded.Status != subdomain.StatusCanceled {
		t.Fatalf("status = %s, want canceled", reloaded.Status)
	}

	balance, err := env.credits.Balance(context.Background(), tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100_00 {
		t.Fatalf("balance = %d, the final period must not be billed", balance)
	}
}

func TestTrialConvertsOnFirstBilling(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "pro", 20_00, 30_00, subdomain.IntervalMonthly, 7)
	tenant := snowflake.ID(7003)
	env.grant(t, tenant, 100_00)

	sub, err := env.svc.CreateSubscription(context.Background(), subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	env.clk.Advance(40 * 24 * time.Hour)
	outcome, err := env.svc.ProcessBilling(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("process billing: %v", err)
	}
	if !outcome.Billed {
		t.Fatalf("outcome = %+v, want billed after trial", outcome)
	}

	reloaded, err := env.svc.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if reloaded.Status != subdomain.StatusActive {
		t.Fatalf("status = %s, want active after conversion", reloaded.Status)
	}
}

func TestRunDueSweepBillsElapsedSubscriptions(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	ctx := context.Background()

	tenantA := snowflake.ID(8001)
	tenantB := snowflake.ID(8002)
	env.grant(t, tenantA, 100_00)
	// tenantB has no credits; its failure must not stop the sweep.

	subA, err := env.svc.CreateSubscription(ctx, subdomain.CreateRequest{TenantID: tenantA, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription A: %v", err)
	}
	subB, err := env.svc.CreateSubscription(ctx, subdomain.CreateRequest{TenantID: tenantB, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription B: %v", err)
	}

	env.clk.Advance(32 * 24 * time.Hour)
	if err := env.svc.RunDueSweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	reloadedA, err := env.svc.GetSubscription(ctx, subA.ID)
	if err != nil {
		t.Fatalf("get subscription A: %v", err)
	}
	if reloadedA.CurrentPeriodEnd.Equal(subA.CurrentPeriodEnd) {
		t.Fatal("subscription A should have been billed and advanced")
	}

	var attempts int
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM subscription_dunning WHERE subscription_id = ?`, subB.ID,
	).Scan(&attempts).Error; err != nil {
		t.Fatalf("count dunning: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("dunning attempts for B = %d, want 1", attempts)
	}
}

func (e *subTestEnv) newServiceWithCredits(credits creditdomain.Service) subdomain.Service {
	return NewService(Params{
		DB:      e.db,
		Log:     zap.NewNop(),
		GenID:   e.genID,
		Cfg:     config.Default(),
		Clock:   e.clk,
		Outbox:  events.NewOutbox(e.db, zap.NewNop(), e.genID),
		Queue:   scheduler.NewQueue(e.db, e.genID),
		Credits: credits,
	})
}

// racingCredits runs a callback after a successful debit, opening the window
// between the charge and the plan-change transaction.
type racingCredits struct {
	creditdomain.Service
	afterDebit func()
}

func (c *racingCredits) Debit(ctx context.Context, req creditdomain.DebitRequest) (*creditdomain.CreditTransaction, error) {
	txn, err := c.Service.Debit(ctx, req)
	if err == nil && c.afterDebit != nil {
		c.afterDebit()
	}
	return txn, err
}

func TestChangePlanRefundsProrationWhenChangeIsLost(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	basic := env.insertPlan(t, "basic", 10_00, 0, subdomain.IntervalMonthly, 0)
	pro := env.insertPlan(t, "pro", 20_00, 0, subdomain.IntervalMonthly, 0)
	other := env.insertPlan(t, "other", 30_00, 0, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(8101)
	env.grant(t, tenant, 100_00)
	ctx := context.Background()

	sub, err := env.svc.CreateSubscription(ctx, subdomain.CreateRequest{TenantID: tenant, PlanID: basic.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	credits := &racingCredits{Service: env.credits}
	credits.afterDebit = func() {
		// A concurrent change lands between the charge and the CAS.
		if err := env.db.Exec(
			`UPDATE subscriptions SET plan_id = ? WHERE id = ?`, other.ID, sub.ID,
		).Error; err != nil {
			t.Errorf("concurrent plan change: %v", err)
		}
	}
	svc := env.newServiceWithCredits(credits)

	_, err = svc.ChangePlan(ctx, subdomain.ChangePlanRequest{
		SubscriptionID: sub.ID,
		NewPlanID:      pro.ID,
		Proration:      true,
	})
	var conflict *fault.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}

	balance, err := env.credits.Balance(ctx, tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100_00 {
		t.Fatalf("balance = %d, want 10000, a lost change must hand the charge back", balance)
	}

	var changes int
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM subscription_changes WHERE subscription_id = ?`, sub.ID,
	).Scan(&changes).Error; err != nil {
		t.Fatalf("count changes: %v", err)
	}
	if changes != 0 {
		t.Fatalf("change rows = %d, want none for a lost change", changes)
	}
}

// failingGrantCredits rejects every grant, simulating a store outage after
// the creation transaction committed.
type failingGrantCredits struct {
	creditdomain.Service
}

func (failingGrantCredits) Grant(ctx context.Context, req creditdomain.GrantRequest) (*creditdomain.CreditTransaction, error) {
	return nil, errors.New("ledger unavailable")
}

func TestCreateSubscriptionSurvivesSignupGrantFailure(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "basic", 10_00, 50_00, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(8201)
	ctx := context.Background()

	svc := env.newServiceWithCredits(failingGrantCredits{Service: env.credits})
	sub, err := svc.CreateSubscription(ctx, subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub == nil || sub.Status != subdomain.StatusActive {
		t.Fatalf("subscription = %+v, the committed signup must be returned", sub)
	}

	// A retry against the error would have signed the tenant up twice.
	var count int
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM subscriptions WHERE tenant_id = ?`, tenant,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count subscriptions: %v", err)
	}
	if count != 1 {
		t.Fatalf("subscriptions = %d, want 1", count)
	}
	var pending int
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM scheduled_actions WHERE target_id = ? AND status = ?`,
		sub.ID, scheduler.ActionStatusPending,
	).Scan(&pending).Error; err != nil {
		t.Fatalf("count actions: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending billing actions = %d, want 1", pending)
	}
}

func TestWorkerBillsSubscriptionThroughRegisteredHandler(t *testing.T) {
	env := setupSubscriptionService(t, config.Default())
	plan := env.insertPlan(t, "basic", 10_00, 25_00, subdomain.IntervalMonthly, 0)
	tenant := snowflake.ID(8301)
	env.grant(t, tenant, 100_00)
	ctx := context.Background()

	sub, err := env.svc.CreateSubscription(ctx, subdomain.CreateRequest{TenantID: tenant, PlanID: plan.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	env.clk.Advance(32 * 24 * time.Hour)
	if err := env.db.Exec(
		`UPDATE scheduled_actions SET due_at = ? WHERE target_id = ?`,
		time.Now().UTC().Add(-time.Minute),
		sub.ID,
	).Error; err != nil {
		t.Fatalf("backdate action: %v", err)
	}

	// A fresh worker over the same store, wired the way the fx module wires
	// the billing handler.
	registry := scheduler.NewRegistry()
	registry.Register(scheduler.KindSubscriptionBill, func(ctx context.Context, targetID snowflake.ID) error {
		_, err := env.svc.ProcessBilling(ctx, targetID)
		return err
	})
	worker := scheduler.NewWorker(env.db, zap.NewNop(), registry, scheduler.Config{})

	done := make(chan error, 1)
	go func() {
		_, err := worker.RunOnce(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker blocked executing the billing handler")
	}

	reloaded, err := env.svc.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if !reloaded.CurrentPeriodEnd.Equal(plan.BillingInterval.Advance(sub.CurrentPeriodEnd)) {
		t.Fatalf("period end = %v, want advanced one interval past %v", reloaded.CurrentPeriodEnd, sub.CurrentPeriodEnd)
	}

	balance, err := env.credits.Balance(ctx, tenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 115_00 {
		t.Fatalf("balance = %d, want 11500 after debit plus period credits", balance)
	}

	var counts []struct {
		Status string
		N      int
	}
	if err := env.db.Raw(
		`SELECT status, COUNT(*) AS n FROM scheduled_actions WHERE target_id = ? GROUP BY status`,
		sub.ID,
	).Scan(&counts).Error; err != nil {
		t.Fatalf("count actions: %v", err)
	}
	byStatus := map[string]int{}
	for _, row := range counts {
		byStatus[row.Status] = row.N
	}
	if byStatus[string(scheduler.ActionStatusDone)] != 1 {
		t.Fatalf("done actions = %d, want the executed billing run", byStatus[string(scheduler.ActionStatusDone)])
	}
	if byStatus[string(scheduler.ActionStatusPending)] != 1 {
		t.Fatalf("pending actions = %d, want the rescheduled next period", byStatus[string(scheduler.ActionStatusPending)])
	}
}
