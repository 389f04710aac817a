// Package swiftpay simulates an instant-transfer rail. Charges never settle
// synchronously: the customer completes the transfer against a displayable
// payment code and settlement arrives as a webhook.
package swiftpay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stackmerce/billing/internal/fault"
	"github.com/stackmerce/billing/internal/payment/adapters"
	"github.com/stackmerce/billing/internal/payment/domain"
)

const providerName = "swiftpay"

type Adapter struct {
	webhookSecret string
	transferTTL   time.Duration
}

func New(webhookSecret string, transferTTL time.Duration) *Adapter {
	if transferTTL <= 0 {
		transferTTL = 30 * time.Minute
	}
	return &Adapter{webhookSecret: webhookSecret, transferTTL: transferTTL}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Authorize(ctx context.Context, req domain.ChargeRequest) error {
	if req.Amount <= 0 {
		return fault.NewValidation("amount", "invalid_amount", "amount must be positive")
	}
	return nil
}

func (a *Adapter) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeOutcome, error) {
	if err := a.Authorize(ctx, req); err != nil {
		return nil, err
	}
	reference := uuid.NewString()
	return &domain.ChargeOutcome{
		ProviderPaymentID: "sp_" + reference,
		Settled:           false,
		PaymentCode:       "SP-" + strings.ToUpper(reference[:8]),
		ExpiresAt:         time.Now().UTC().Add(a.transferTTL),
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
	if req.Amount <= 0 {
		return nil, fault.NewValidation("amount", "invalid_amount", "amount must be positive")
	}
	return &domain.RefundOutcome{
		ProviderRefundID: "sprf_" + uuid.NewString(),
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
	ID         string `json:"id"`
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
}

func (a *Adapter) ParseWebhook(payload []byte) (*domain.WebhookPayload, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fault.NewValidation("payload", "invalid_payload", "webhook payload is not valid JSON")
	}

	var eventType domain.WebhookEventType
	switch envelope.Type {
	case "transfer.settled":
		eventType = domain.WebhookPaymentSucceeded
	case "transfer.failed":
		eventType = domain.WebhookPaymentFailed
	case "transfer.disputed":
		eventType = domain.WebhookPaymentDisputed
	default:
		return nil, fault.NewValidation("type", "unknown_event_type", "unrecognized swiftpay event type "+envelope.Type)
	}

	if strings.TrimSpace(envelope.ID) == "" || strings.TrimSpace(envelope.TransferID) == "" {
		return nil, fault.NewValidation("payload", "missing_field", "event id and transfer id are required")
	}

	return &domain.WebhookPayload{
		ProviderEventID:   envelope.ID,
		Type:              eventType,
		ProviderPaymentID: envelope.TransferID,
		Amount:            envelope.Amount,
		Reason:            envelope.Reason,
	}, nil
}
