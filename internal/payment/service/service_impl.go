package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stackmerce/billing/internal/config"
	"github.com/stackmerce/billing/internal/events"
	"github.com/stackmerce/billing/internal/fault"
	"github.com/stackmerce/billing/internal/payment/adapters"
	paymentdomain "github.com/stackmerce/billing/internal/payment/domain"
	"github.com/stackmerce/billing/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Cfg      config.Config
	Adapters *adapters.Registry
	Outbox   *events.Outbox
	Queue    *scheduler.Queue
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	cfg      config.Config
	adapters *adapters.Registry
	outbox   *events.Outbox
	queue    *scheduler.Queue
	hooks    []paymentdomain.CompletionHook
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		genID:    p.GenID,
		cfg:      p.Cfg,
		adapters: p.Adapters,
		outbox:   p.Outbox,
		queue:    p.Queue,
	}
}

// RegisterCompletionHook adds a hook invoked inside the settlement
// transaction when a payment reaches a terminal state. Registration happens
// during fx startup, before any traffic.
func (s *Service) RegisterCompletionHook(hook paymentdomain.CompletionHook) {
	s.hooks = append(s.hooks, hook)
}

func (s *Service) ProcessPayment(ctx context.Context, req paymentdomain.ProcessRequest) (*paymentdomain.PaymentIntent, error) {
	if req.TenantID == 0 {
		return nil, fault.NewValidation("tenant_id", "required", "tenant id is required")
	}
	if req.Amount < s.cfg.Payment.MinAmount || req.Amount > s.cfg.Payment.MaxAmount {
		return nil, fault.NewValidation("amount", "out_of_bounds", "amount is outside the configured payment bounds")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !s.cfg.SupportsCurrency(currency) {
		return nil, fault.NewValidation("currency", "unsupported_currency", "currency "+currency+" is not supported")
	}
	providerName, ok := s.cfg.ProviderForMethod(string(req.Method))
	if !ok {
		return nil, fault.NewValidation("method", "unsupported_method", "payment method "+string(req.Method)+" is not supported")
	}
	provider, ok := s.adapters.Lookup(providerName)
	if !ok {
		return nil, fault.NewNotFound("provider", providerName)
	}

	now := time.Now().UTC()
	payment := paymentdomain.Payment{
		ID:           s.genID.Generate(),
		TenantID:     req.TenantID,
		Method:       req.Method,
		Amount:       req.Amount,
		Currency:     currency,
		Status:       paymentdomain.StatusPending,
		Provider:     providerName,
		ProviderData: datatypes.JSONMap{},
		Metadata:     toJSONMap(req.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&payment).Error; err != nil {
		return nil, err
	}

	intent, err := s.route(ctx, provider, &payment)
	if err != nil {
		// The record must never stay pending after a routing failure.
		if markErr := s.markFailed(ctx, payment.ID, err.Error()); markErr != nil {
			s.log.Error("failed to mark payment failed after routing error",
				zap.String("payment_id", payment.ID.String()),
				zap.Error(markErr),
			)
		}
		return nil, err
	}
	return intent, nil
}

func (s *Service) route(ctx context.Context, provider paymentdomain.Provider, payment *paymentdomain.Payment) (*paymentdomain.PaymentIntent, error) {
	chargeCtx, cancel := context.WithTimeout(ctx, s.cfg.Payment.ProviderTimeout)
	defer cancel()

	outcome, err := provider.Charge(chargeCtx, paymentdomain.ChargeRequest{
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Metadata:  payment.Metadata,
	})
	if err != nil {
		var external *fault.ExternalServiceError
		if errors.As(err, &external) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &fault.ExternalServiceError{Service: provider.Name(), Operation: "charge", Err: err}
		}
		return nil, err
	}

	if outcome.Settled {
		if err := s.settleSynchronous(ctx, payment, outcome); err != nil {
			return nil, err
		}
		return &paymentdomain.PaymentIntent{
			PaymentID: payment.ID,
			Status:    paymentdomain.StatusCompleted,
		}, nil
	}

	return s.acceptDeferred(ctx, payment, outcome)
}

// settleSynchronous records a card charge that the provider settled inline.
func (s *Service) settleSynchronous(ctx context.Context, payment *paymentdomain.Payment, outcome *paymentdomain.ChargeOutcome) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE payments
			 SET status = ?, provider_payment_id = ?, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			paymentdomain.StatusCompleted,
			outcome.ProviderPaymentID,
			now,
			now,
			payment.ID,
			paymentdomain.StatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fault.NewStateConflict("payment", payment.ID.String(), "complete", "not pending")
		}
		payment.Status = paymentdomain.StatusCompleted
		payment.ProviderPaymentID = &outcome.ProviderPaymentID
		payment.CompletedAt = &now

		if err := s.runHooks(ctx, tx, payment, true); err != nil {
			return err
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  payment.TenantID,
			Type:      events.EventPaymentProcessed,
			Payload:   paymentPayload(payment),
			DedupeKey: "payment.processed:" + payment.ID.String(),
		}); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  payment.TenantID,
			Type:      events.EventPaymentCompleted,
			Payload:   paymentPayload(payment),
			DedupeKey: "payment.completed:" + payment.ID.String(),
		})
	})
}

// acceptDeferred records an instant-transfer charge that will settle via
// webhook, and schedules its durable expiry check.
func (s *Service) acceptDeferred(ctx context.Context, payment *paymentdomain.Payment, outcome *paymentdomain.ChargeOutcome) (*paymentdomain.PaymentIntent, error) {
	now := time.Now().UTC()
	expiresAt := outcome.ExpiresAt.UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE payments
			 SET provider_payment_id = ?, payment_code = ?, expires_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			outcome.ProviderPaymentID,
			outcome.PaymentCode,
			expiresAt,
			now,
			payment.ID,
			paymentdomain.StatusPending,
		).Error; err != nil {
			return err
		}
		if err := s.queue.Enqueue(ctx, tx, scheduler.KindPaymentExpire, payment.ID, expiresAt); err != nil {
			return err
		}
		payment.ProviderPaymentID = &outcome.ProviderPaymentID
		payment.PaymentCode = &outcome.PaymentCode
		payment.ExpiresAt = &expiresAt
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  payment.TenantID,
			Type:      events.EventPaymentProcessed,
			Payload:   paymentPayload(payment),
			DedupeKey: "payment.processed:" + payment.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return &paymentdomain.PaymentIntent{
		PaymentID:   payment.ID,
		Status:      paymentdomain.StatusPending,
		PaymentCode: outcome.PaymentCode,
		ExpiresAt:   &expiresAt,
	}, nil
}

func (s *Service) HandleWebhook(ctx context.Context, providerName string, payload []byte, signature string) (*paymentdomain.WebhookOutcome, error) {
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	provider, ok := s.adapters.Lookup(providerName)
	if !ok {
		return nil, fault.NewNotFound("provider", providerName)
	}
	if err := provider.VerifyWebhookSignature(payload, signature); err != nil {
		return nil, err
	}
	event, err := provider.ParseWebhook(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := paymentdomain.WebhookEvent{
		ID:              s.genID.Generate(),
		Provider:        providerName,
		ProviderEventID: event.ProviderEventID,
		EventType:       string(event.Type),
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}
	inserted, err := s.insertWebhookEvent(ctx, &record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		stored, err := s.loadWebhookEvent(ctx, providerName, event.ProviderEventID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fault.NewNotFound("webhook_event", event.ProviderEventID)
		}
		if stored.ProcessedAt != nil {
			return &paymentdomain.WebhookOutcome{Processed: true, Reason: "already processed"}, nil
		}
		record = *stored
	}

	outcome, err := s.applyWebhook(ctx, provider, event)
	if err != nil {
		return nil, err
	}
	if err := s.markWebhookProcessed(ctx, record.ID, now); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Service) applyWebhook(ctx context.Context, provider paymentdomain.Provider, event *paymentdomain.WebhookPayload) (*paymentdomain.WebhookOutcome, error) {
	switch event.Type {
	case paymentdomain.WebhookPaymentSucceeded:
		return s.settleFromWebhook(ctx, provider.Name(), event, true)
	case paymentdomain.WebhookPaymentFailed:
		return s.settleFromWebhook(ctx, provider.Name(), event, false)
	case paymentdomain.WebhookPaymentDisputed:
		return s.recordDispute(ctx, provider.Name(), event)
	default:
		return nil, fault.NewValidation("type", "unknown_event_type", "unrecognized webhook event type")
	}
}

// settleFromWebhook applies a terminal provider notification. Duplicate or
// out-of-order deliveries referencing an already-terminal payment are
// no-ops: that is the idempotency guard against at-least-once delivery.
func (s *Service) settleFromWebhook(ctx context.Context, providerName string, event *paymentdomain.WebhookPayload, succeeded bool) (*paymentdomain.WebhookOutcome, error) {
	var outcome paymentdomain.WebhookOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.findByProviderPaymentID(ctx, tx, providerName, event.ProviderPaymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return fault.NewNotFound("payment", event.ProviderPaymentID)
		}
		if payment.Status == paymentdomain.StatusCompleted {
			outcome = paymentdomain.WebhookOutcome{Processed: true, Reason: "already completed"}
			return nil
		}
		if payment.Status != paymentdomain.StatusPending {
			outcome = paymentdomain.WebhookOutcome{Processed: true, Reason: "payment already " + string(payment.Status)}
			return nil
		}

		now := time.Now().UTC()
		target := paymentdomain.StatusFailed
		if succeeded {
			target = paymentdomain.StatusCompleted
		}
		result := tx.WithContext(ctx).Exec(
			`UPDATE payments
			 SET status = ?, completed_at = CASE WHEN ? THEN ? ELSE completed_at END, updated_at = ?
			 WHERE id = ? AND status = ?`,
			target,
			succeeded,
			now,
			now,
			payment.ID,
			paymentdomain.StatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			outcome = paymentdomain.WebhookOutcome{Processed: true, Reason: "lost settlement race"}
			return nil
		}
		payment.Status = target
		if succeeded {
			payment.CompletedAt = &now
		}

		if err := s.runHooks(ctx, tx, payment, succeeded); err != nil {
			return err
		}

		eventType := events.EventPaymentFailed
		if succeeded {
			eventType = events.EventPaymentCompleted
		}
		payload := paymentPayload(payment)
		if !succeeded && event.Reason != "" {
			payload["reason"] = event.Reason
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  payment.TenantID,
			Type:      eventType,
			Payload:   payload,
			DedupeKey: eventType + ":" + payment.ID.String(),
		}); err != nil {
			return err
		}
		outcome = paymentdomain.WebhookOutcome{Processed: true, Reason: "settled"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// recordDispute flags the payment; no funds move here.
func (s *Service) recordDispute(ctx context.Context, providerName string, event *paymentdomain.WebhookPayload) (*paymentdomain.WebhookOutcome, error) {
	var outcome paymentdomain.WebhookOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.findByProviderPaymentID(ctx, tx, providerName, event.ProviderPaymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return fault.NewNotFound("payment", event.ProviderPaymentID)
		}
		metadata := payment.Metadata
		if metadata == nil {
			metadata = datatypes.JSONMap{}
		}
		metadata["disputed"] = true
		if event.Reason != "" {
			metadata["dispute_reason"] = event.Reason
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE payments SET metadata = ?, updated_at = ? WHERE id = ?`,
			metadata,
			time.Now().UTC(),
			payment.ID,
		).Error; err != nil {
			return err
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  payment.TenantID,
			Type:      events.EventPaymentDisputed,
			Payload:   paymentPayload(payment),
			DedupeKey: "payment.disputed:" + payment.ID.String() + ":" + event.ProviderEventID,
		}); err != nil {
			return err
		}
		outcome = paymentdomain.WebhookOutcome{Processed: true, Reason: "dispute recorded"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (s *Service) ProcessRefund(ctx context.Context, paymentID snowflake.ID, amount int64, reason string) (*paymentdomain.RefundResult, error) {
	var payment paymentdomain.Payment
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM payments WHERE id = ?`, paymentID,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, fault.NewNotFound("payment", paymentID.String())
	}
	if payment.Status != paymentdomain.StatusCompleted {
		return nil, fault.NewStateConflict("payment", paymentID.String(), "refund", string(payment.Status))
	}

	completedAt := payment.UpdatedAt
	if payment.CompletedAt != nil {
		completedAt = *payment.CompletedAt
	}
	window := time.Duration(s.cfg.Payment.RefundWindowDays) * 24 * time.Hour
	if time.Now().UTC().Sub(completedAt) > window {
		return nil, fault.NewValidation("payment_id", "refund_window_elapsed", "payment is outside the refund window")
	}

	if amount == 0 {
		amount = payment.Amount
	}
	if amount < 0 || amount > payment.Amount {
		return nil, fault.NewValidation("amount", "invalid_refund_amount", "refund amount exceeds the original payment")
	}

	provider, ok := s.adapters.Lookup(payment.Provider)
	if !ok {
		return nil, fault.NewNotFound("provider", payment.Provider)
	}

	refundCtx, cancel := context.WithTimeout(ctx, s.cfg.Payment.ProviderTimeout)
	defer cancel()
	providerPaymentID := ""
	if payment.ProviderPaymentID != nil {
		providerPaymentID = *payment.ProviderPaymentID
	}
	outcome, providerErr := provider.Refund(refundCtx, paymentdomain.RefundRequest{
		ProviderPaymentID: providerPaymentID,
		Amount:            amount,
		Currency:          payment.Currency,
		Reason:            reason,
	})

	// The refund row reflects the provider outcome either way.
	refund := paymentdomain.Refund{
		ID:        s.genID.Generate(),
		PaymentID: payment.ID,
		Amount:    amount,
		Status:    paymentdomain.RefundStatusFailed,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if providerErr == nil && outcome != nil && outcome.Succeeded {
		refund.Status = paymentdomain.RefundStatusCompleted
		refund.ProviderRefundID = outcome.ProviderRefundID
	}
	if err := s.db.WithContext(ctx).Create(&refund).Error; err != nil {
		return nil, err
	}

	if providerErr != nil {
		return nil, &fault.ExternalServiceError{Service: payment.Provider, Operation: "refund", Err: providerErr}
	}
	if refund.Status == paymentdomain.RefundStatusCompleted {
		s.outbox.Publish(ctx, events.Event{
			TenantID: payment.TenantID,
			Type:     events.EventPaymentRefunded,
			Payload: map[string]any{
				"payment_id": payment.ID.String(),
				"refund_id":  refund.ID.String(),
				"amount":     amount,
			},
			DedupeKey: "payment.refunded:" + refund.ID.String(),
		})
	}
	return &paymentdomain.RefundResult{
		RefundID:  refund.ID,
		PaymentID: payment.ID,
		Amount:    amount,
		Status:    refund.Status,
	}, nil
}

// ExpirePayment fires at an instant transfer's deadline. The status guard
// makes it a no-op when a webhook settled the payment first.
func (s *Service) ExpirePayment(ctx context.Context, paymentID snowflake.ID) (bool, error) {
	expired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment paymentdomain.Payment
		if err := tx.WithContext(ctx).Raw(
			`SELECT * FROM payments WHERE id = ?`, paymentID,
		).Scan(&payment).Error; err != nil {
			return err
		}
		if payment.ID == 0 {
			return fault.NewNotFound("payment", paymentID.String())
		}
		if payment.Status != paymentdomain.StatusPending {
			return nil
		}

		now := time.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE payments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			paymentdomain.StatusExpired,
			now,
			payment.ID,
			paymentdomain.StatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		expired = true
		payment.Status = paymentdomain.StatusExpired

		if err := s.runHooks(ctx, tx, &payment, false); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  payment.TenantID,
			Type:      events.EventPaymentExpired,
			Payload:   paymentPayload(&payment),
			DedupeKey: "payment.expired:" + payment.ID.String(),
		})
	})
	return expired, err
}

func (s *Service) runHooks(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, succeeded bool) error {
	for _, hook := range s.hooks {
		if err := hook(ctx, tx, payment, succeeded); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) insertWebhookEvent(ctx context.Context, event *paymentdomain.WebhookEvent) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO payment_webhooks (id, provider, provider_event_id, event_type, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.Payload,
		event.ReceivedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) loadWebhookEvent(ctx context.Context, provider, providerEventID string) (*paymentdomain.WebhookEvent, error) {
	var event paymentdomain.WebhookEvent
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM payment_webhooks WHERE provider = ? AND provider_event_id = ?`,
		provider,
		providerEventID,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (s *Service) markWebhookProcessed(ctx context.Context, id snowflake.ID, processedAt time.Time) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE payment_webhooks SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		processedAt,
		id,
	).Error
}

func (s *Service) findByProviderPaymentID(ctx context.Context, tx *gorm.DB, provider, providerPaymentID string) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM payments WHERE provider = ? AND provider_payment_id = ?`,
		provider,
		providerPaymentID,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (s *Service) markFailed(ctx context.Context, paymentID snowflake.ID, reason string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE payments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			paymentdomain.StatusFailed,
			now,
			paymentID,
			paymentdomain.StatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		var payment paymentdomain.Payment
		if err := tx.WithContext(ctx).Raw(
			`SELECT * FROM payments WHERE id = ?`, paymentID,
		).Scan(&payment).Error; err != nil {
			return err
		}
		payment.Status = paymentdomain.StatusFailed
		if err := s.runHooks(ctx, tx, &payment, false); err != nil {
			return err
		}
		payload := paymentPayload(&payment)
		payload["reason"] = reason
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  payment.TenantID,
			Type:      events.EventPaymentFailed,
			Payload:   payload,
			DedupeKey: "payment.failed:" + payment.ID.String(),
		})
	})
}

func paymentPayload(payment *paymentdomain.Payment) map[string]any {
	return map[string]any{
		"payment_id": payment.ID.String(),
		"method":     string(payment.Method),
		"amount":     payment.Amount,
		"currency":   payment.Currency,
		"status":     string(payment.Status),
	}
}

func toJSONMap(m map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range m {
		if strings.TrimSpace(key) == "" {
			continue
		}
		out[key] = value
	}
	return out
}
