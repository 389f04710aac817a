// Package cardgate simulates a card rail: charges settle synchronously.
// In simulation mode any amount whose minor units end in 99 declines, the
// usual test-rail convention for exercising the failure path.
package cardgate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/stackmerce/billing/internal/fault"
	"github.com/stackmerce/billing/internal/payment/adapters"
	"github.com/stackmerce/billing/internal/payment/domain"
)

const providerName = "cardgate"

type Adapter struct {
	webhookSecret string
}

func New(webhookSecret string) *Adapter {
	return &Adapter{webhookSecret: webhookSecret}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Authorize(ctx context.Context, req domain.ChargeRequest) error {
	if req.Amount <= 0 {
		return fault.NewValidation("amount", "invalid_amount", "amount must be positive")
	}
	if req.Amount%100 == 99 {
		return &fault.ExternalServiceError{
			Service:   providerName,
			Operation: "authorize",
			Err:       errDeclined,
		}
	}
	return nil
}

func (a *Adapter) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	if err := a.Authorize(ctx, req); err != nil {
		return nil, err
	}
	return &domain.ChargeOutcome{
		ProviderPaymentID: "cg_" + uuid.NewString(),
		Settled:           true,
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
	if req.Amount <= 0 {
		return nil, fault.NewValidation("amount", "invalid_amount", "amount must be positive")
	}
	return &domain.RefundOutcome{
		ProviderRefundID: "cgrf_" + uuid.NewString(),
		Succeeded:        true,
	}, nil
}

func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string) error {
	if !adapters.VerifySignature(a.webhookSecret, payload, signature) {
		return &fault.SignatureError{Provider: providerName}
	}
	return nil
}

type webhookEnvelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	ChargeID string `json:"charge_id"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
}

func (a *Adapter) ParseWebhook(payload []byte) (*domain.WebhookPayload, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fault.NewValidation("payload", "invalid_payload", "webhook payload is not valid JSON")
	}

	var eventType domain.WebhookEventType
	switch envelope.Type {
	case "charge.succeeded":
		eventType = domain.WebhookPaymentSucceeded
	case "charge.failed":
		eventType = domain.WebhookPaymentFailed
	case "charge.dispute.created":
		eventType = domain.WebhookPaymentDisputed
	default:
		return nil, fault.NewValidation("type", "unknown_event_type", "unrecognized cardgate event type "+envelope.Type)
	}

	if strings.TrimSpace(envelope.ID) == "" || strings.TrimSpace(envelope.ChargeID) == "" {
		return nil, fault.NewValidation("payload", "missing_field", "event id and charge id are required")
	}

	return &domain.WebhookPayload{
		ProviderEventID:   envelope.ID,
		Type:              eventType,
		ProviderPaymentID: envelope.ChargeID,
		Amount:            envelope.Amount,
		Reason:            envelope.Reason,
	}, nil
}

var errDeclined = declineError{}

type declineError struct{}

func (declineError) Error() string { return "card declined" }
