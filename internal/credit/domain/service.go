package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/stackmerce/billing/internal/payment/domain"
)

// PurchaseRequest buys credits for a tenant. Amount is the base credit
// amount in hundredths; the bonus tier table may add to it.
type PurchaseRequest struct {
	TenantID      snowflake.ID
	Amount        int64
	PaymentMethod string
	Currency      string
	Metadata      map[string]any
}

// PurchaseResult reports a credit purchase. For synchronous rails the
// transaction is already completed; for instant transfer it stays pending
// until the provider webhook settles the payment.
type PurchaseResult struct {
	TransactionID snowflake.ID
	BaseCredits   int64
	BonusCredits  int64
	TotalCredits  int64
	Settled       bool
	Payment       *paymentdomain.PaymentIntent
}

// DebitRequest charges completed credits from available balance.
type DebitRequest struct {
	TenantID snowflake.ID
	Amount   int64
	Reason   string
	Metadata map[string]any
}

// GrantRequest adds completed credits outside the purchase path, e.g. a
// subscription period's included credits.
type GrantRequest struct {
	TenantID snowflake.ID
	Amount   int64
	Reason   string
	Metadata map[string]any
}

// Service is the credit ledger and reservation manager.
type Service interface {
	Balance(ctx context.Context, tenantID snowflake.ID) (int64, error)
	Available(ctx context.Context, tenantID snowflake.ID) (int64, error)

	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)
	Debit(ctx context.Context, req DebitRequest) (*CreditTransaction, error)
	Grant(ctx context.Context, req GrantRequest) (*CreditTransaction, error)

	Reserve(ctx context.Context, tenantID snowflake.ID, amount int64, purpose string) (*CreditReservation, error)
	Consume(ctx context.Context, reservationID snowflake.ID) (*CreditTransaction, error)
	Release(ctx context.Context, reservationID snowflake.ID, reason string) error

	// ExpireReservation is invoked by the due-queue worker at the
	// reservation's deadline. It reports whether the hold was expired;
	// false means the status already changed and the call was a no-op.
	ExpireReservation(ctx context.Context, reservationID snowflake.ID) (bool, error)
}
