package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ChargeRequest is the provider-facing view of a payment.
type ChargeRequest struct {
	PaymentID snowflake.ID
	Amount    int64
	Currency  string
	Metadata  map[string]any
}

// ChargeOutcome reports how the provider took the charge. Synchronous rails
// return Settled; asynchronous rails return a payment code the customer
// completes out of band, with settlement arriving via webhook.
type ChargeOutcome struct {
	ProviderPaymentID string
	Settled           bool
	PaymentCode       string
	ExpiresAt         time.Time
}

// RefundRequest asks the provider to return funds for a settled payment.
type RefundRequest struct {
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Reason            string
}

// RefundOutcome reports the provider's refund decision.
type RefundOutcome struct {
	ProviderRefundID string
	Succeeded        bool
}

// WebhookEventType is the normalized provider event taxonomy.
type WebhookEventType string

const (
	WebhookPaymentSucceeded WebhookEventType = "payment.succeeded"
	WebhookPaymentFailed    WebhookEventType = "payment.failed"
	WebhookPaymentDisputed  WebhookEventType = "payment.disputed"
)

// WebhookPayload is a provider notification parsed into the normalized
// taxonomy.
type WebhookPayload struct {
	ProviderEventID   string
	Type              WebhookEventType
	ProviderPaymentID string
	Amount            int64
	Reason            string
}

// Provider is the abstract payment rail contract. Concrete rails are
// registered by name; webhook delivery must verify before any state
// mutation.
type Provider interface {
	Name() string
	Authorize(ctx context.Context, req ChargeRequest) error
	Charge(ctx context.Context, req ChargeRequest) (*ChargeOutcome, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundOutcome, error)
	VerifyWebhookSignature(payload []byte, signature string) error
	ParseWebhook(payload []byte) (*WebhookPayload, error)
}
