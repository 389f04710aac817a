package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ProcessRequest creates and routes a payment.
type ProcessRequest struct {
	TenantID snowflake.ID
	Method   Method
	Amount   int64
	Currency string
	Metadata map[string]any
}

// PaymentIntent is the caller-facing outcome of ProcessPayment. Instant
// transfers return a displayable code and deadline; card payments are
// settled (or failed) before this returns.
type PaymentIntent struct {
	PaymentID   snowflake.ID
	Status      Status
	PaymentCode string
	ExpiresAt   *time.Time
}

// WebhookOutcome reports how an inbound webhook was applied. Duplicate
// deliveries return Processed=true with a reason instead of re-applying.
type WebhookOutcome struct {
	Processed bool
	Reason    string
}

// RefundResult reports a refund attempt.
type RefundResult struct {
	RefundID  snowflake.ID
	PaymentID snowflake.ID
	Amount    int64
	Status    RefundStatus
}

// CompletionHook runs inside the webhook settlement transaction when a
// payment reaches a terminal state, letting the credit ledger settle a
// linked purchase atomically with the payment transition.
type CompletionHook func(ctx context.Context, tx *gorm.DB, payment *Payment, succeeded bool) error

// Service is the payment gateway adapter.
type Service interface {
	ProcessPayment(ctx context.Context, req ProcessRequest) (*PaymentIntent, error)
	HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (*WebhookOutcome, error)
	ProcessRefund(ctx context.Context, paymentID snowflake.ID, amount int64, reason string) (*RefundResult, error)

	// ExpirePayment is invoked by the due-queue worker at an instant
	// transfer's deadline. False means the payment had already settled.
	ExpirePayment(ctx context.Context, paymentID snowflake.ID) (bool, error)

	RegisterCompletionHook(hook CompletionHook)
}
