package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stackmerce/billing/internal/cache"
	"github.com/stackmerce/billing/internal/config"
	creditdomain "github.com/stackmerce/billing/internal/credit/domain"
	"github.com/stackmerce/billing/internal/events"
	"github.com/stackmerce/billing/internal/fault"
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
	Outbox   *events.Outbox
	Queue    *scheduler.Queue
	Payments paymentdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	cfg      config.Config
	outbox   *events.Outbox
	queue    *scheduler.Queue
	payments paymentdomain.Service
	balances *cache.TTLCache[snowflake.ID, int64]
}

func NewService(p Params) creditdomain.Service {
	s := &Service{
		db:       p.DB,
		log:      p.Log.Named("credit.service"),
		genID:    p.GenID,
		cfg:      p.Cfg,
		outbox:   p.Outbox,
		queue:    p.Queue,
		payments: p.Payments,
		balances: cache.NewTTLCache[snowflake.ID, int64](),
	}
	// Instant-transfer purchases settle through the provider webhook; the
	// hook completes or fails the linked purchase transaction atomically
	// with the payment transition.
	p.Payments.RegisterCompletionHook(s.onPaymentSettled)
	return s
}

// Balance is the sum of completed ledger entries, read through a short TTL
// cache. The cache is invalidated synchronously whenever a transaction
// completes for the tenant; no invariant depends on it.
func (s *Service) Balance(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	if balance, ok := s.balances.Get(tenantID); ok {
		return balance, nil
	}
	balance, err := s.balanceTx(ctx, s.db, tenantID)
	if err != nil {
		return 0, err
	}
	s.balances.Set(tenantID, balance, s.cfg.Credit.BalanceCacheTTL)
	return balance, nil
}

func (s *Service) Available(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	return s.availableTx(ctx, s.db, tenantID, time.Now().UTC())
}

func (s *Service) Purchase(ctx context.Context, req creditdomain.PurchaseRequest) (*creditdomain.PurchaseResult, error) {
	if req.TenantID == 0 {
		return nil, fault.NewValidation("tenant_id", "required", "tenant id is required")
	}
	if req.Amount < s.cfg.Credit.MinPurchase {
		return nil, fault.NewValidation("amount", "below_minimum", "purchase amount is below the configured minimum")
	}

	bonus := s.bonusFor(req.Amount)
	total := req.Amount + bonus

	balance, err := s.balanceTx(ctx, s.db, req.TenantID)
	if err != nil {
		return nil, err
	}
	if balance+total > s.cfg.Credit.MaxBalance {
		return nil, fault.NewValidation("amount", "balance_cap_exceeded", "purchase would push balance above the configured cap")
	}

	now := time.Now().UTC()
	txn := creditdomain.CreditTransaction{
		ID:       s.genID.Generate(),
		TenantID: req.TenantID,
		Type:     creditdomain.TransactionTypePurchase,
		Amount:   total,
		Status:   creditdomain.TransactionStatusPending,
		Metadata: datatypes.JSONMap{
			"base_credits":   req.Amount,
			"bonus_credits":  bonus,
			"payment_method": req.PaymentMethod,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}
	metadata := map[string]any{"credit_transaction_id": txn.ID.String()}
	for key, value := range req.Metadata {
		if key != "credit_transaction_id" {
			metadata[key] = value
		}
	}

	intent, err := s.payments.ProcessPayment(ctx, paymentdomain.ProcessRequest{
		TenantID: req.TenantID,
		Method:   paymentdomain.Method(req.PaymentMethod),
		Amount:   req.Amount,
		Currency: currency,
		Metadata: metadata,
	})
	if err != nil {
		// The pending purchase must not outlive its failed payment. The
		// payment service's failure path also runs the completion hook,
		// so this is a safety net for validation errors raised before
		// any payment row existed.
		if markErr := s.failPurchase(ctx, s.db, txn.ID); markErr != nil {
			s.log.Error("failed to mark purchase failed",
				zap.String("transaction_id", txn.ID.String()),
				zap.Error(markErr),
			)
		}
		return nil, err
	}

	return &creditdomain.PurchaseResult{
		TransactionID: txn.ID,
		BaseCredits:   req.Amount,
		BonusCredits:  bonus,
		TotalCredits:  total,
		Settled:       intent.Status == paymentdomain.StatusCompleted,
		Payment:       intent,
	}, nil
}

// Debit charges completed credits against available balance, for billing
// settlement and proration charges.
func (s *Service) Debit(ctx context.Context, req creditdomain.DebitRequest) (*creditdomain.CreditTransaction, error) {
	if req.Amount <= 0 {
		return nil, fault.NewValidation("amount", "invalid_amount", "debit amount must be positive")
	}
	var txn creditdomain.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockTenant(ctx, tx, req.TenantID); err != nil {
			return err
		}
		now := time.Now().UTC()
		available, err := s.availableTx(ctx, tx, req.TenantID, now)
		if err != nil {
			return err
		}
		if available < req.Amount {
			return &fault.InsufficientCreditsError{
				TenantID:  req.TenantID.String(),
				Requested: req.Amount,
				Available: available,
			}
		}
		metadata := toJSONMap(req.Metadata)
		if req.Reason != "" {
			metadata["reason"] = req.Reason
		}
		txn = creditdomain.CreditTransaction{
			ID:        s.genID.Generate(),
			TenantID:  req.TenantID,
			Type:      creditdomain.TransactionTypeConsumption,
			Amount:    -req.Amount,
			Status:    creditdomain.TransactionStatusCompleted,
			Metadata:  metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.WithContext(ctx).Create(&txn).Error
	})
	if err != nil {
		return nil, err
	}
	s.balances.Delete(req.TenantID)
	return &txn, nil
}

// Grant adds completed credits outside the purchase path.
func (s *Service) Grant(ctx context.Context, req creditdomain.GrantRequest) (*creditdomain.CreditTransaction, error) {
	if req.Amount <= 0 {
		return nil, fault.NewValidation("amount", "invalid_amount", "grant amount must be positive")
	}
	now := time.Now().UTC()
	metadata := toJSONMap(req.Metadata)
	if req.Reason != "" {
		metadata["reason"] = req.Reason
	}
	txn := creditdomain.CreditTransaction{
		ID:        s.genID.Generate(),
		TenantID:  req.TenantID,
		Type:      creditdomain.TransactionTypeAdjustment,
		Amount:    req.Amount,
		Status:    creditdomain.TransactionStatusCompleted,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, err
	}
	s.balances.Delete(req.TenantID)
	return &txn, nil
}

func (s *Service) Reserve(ctx context.Context, tenantID snowflake.ID, amount int64, purpose string) (*creditdomain.CreditReservation, error) {
	if amount <= 0 {
		return nil, fault.NewValidation("amount", "invalid_amount", "reservation amount must be positive")
	}
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return nil, fault.NewValidation("purpose", "required", "reservation purpose is required")
	}

	var reservation creditdomain.CreditReservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		now := time.Now().UTC()
		available, err := s.availableTx(ctx, tx, tenantID, now)
		if err != nil {
			return err
		}
		if available < amount {
			return &fault.InsufficientCreditsError{
				TenantID:  tenantID.String(),
				Requested: amount,
				Available: available,
			}
		}

		reservation = creditdomain.CreditReservation{
			ID:        s.genID.Generate(),
			TenantID:  tenantID,
			Amount:    amount,
			Purpose:   purpose,
			Status:    creditdomain.ReservationStatusActive,
			ExpiresAt: now.Add(s.cfg.Credit.ReservationTTL),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.WithContext(ctx).Create(&reservation).Error; err != nil {
			return err
		}
		if err := s.queue.Enqueue(ctx, tx, scheduler.KindReservationExpire, reservation.ID, reservation.ExpiresAt); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: tenantID,
			Type:     events.EventCreditsReserved,
			Payload: map[string]any{
				"reservation_id": reservation.ID.String(),
				"amount":         amount,
				"purpose":        purpose,
			},
			DedupeKey: "credits.reserved:" + reservation.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

// Consume atomically writes the consumption ledger entry and flips the
// reservation to consumed; both commit or neither does.
func (s *Service) Consume(ctx context.Context, reservationID snowflake.ID) (*creditdomain.CreditTransaction, error) {
	var txn creditdomain.CreditTransaction
	var tenantID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.findReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return fault.NewNotFound("reservation", reservationID.String())
		}
		tenantID = reservation.TenantID

		// The consume CAS also requires the TTL not to have lapsed. Available
		// stops counting a hold the moment expires_at passes, so consuming it
		// afterwards would spend headroom another reservation may already
		// occupy.
		now := time.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_reservations
			 SET status = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND expires_at > ?`,
			creditdomain.ReservationStatusConsumed,
			now,
			reservation.ID,
			creditdomain.ReservationStatusActive,
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			current, err := s.findReservation(ctx, tx, reservation.ID)
			if err != nil {
				return err
			}
			status := "unknown"
			if current != nil {
				status = string(current.Status)
				if current.Status == creditdomain.ReservationStatusActive {
					// Still active in the row, but past its deadline.
					status = string(creditdomain.ReservationStatusExpired)
				}
			}
			return fault.NewStateConflict("reservation", reservation.ID.String(), "consume", status)
		}
		reservation.Status = creditdomain.ReservationStatusConsumed

		txn = creditdomain.CreditTransaction{
			ID:       s.genID.Generate(),
			TenantID: reservation.TenantID,
			Type:     creditdomain.TransactionTypeConsumption,
			Amount:   -reservation.Amount,
			Status:   creditdomain.TransactionStatusCompleted,
			Metadata: datatypes.JSONMap{
				"reservation_id": reservation.ID.String(),
				"purpose":        reservation.Purpose,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.WithContext(ctx).Create(&txn).Error; err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: reservation.TenantID,
			Type:     events.EventCreditsConsumed,
			Payload: map[string]any{
				"reservation_id": reservation.ID.String(),
				"transaction_id": txn.ID.String(),
				"amount":         reservation.Amount,
			},
			DedupeKey: "credits.consumed:" + reservation.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.balances.Delete(tenantID)
	return &txn, nil
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.findReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return fault.NewNotFound("reservation", reservationID.String())
		}
		now := time.Now().UTC()
		if err := s.transitionReservation(ctx, tx, reservation, creditdomain.ReservationStatusReleased, "release", &reason, now); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: reservation.TenantID,
			Type:     events.EventCreditsReleased,
			Payload: map[string]any{
				"reservation_id": reservation.ID.String(),
				"amount":         reservation.Amount,
				"reason":         reason,
			},
			DedupeKey: "credits.released:" + reservation.ID.String(),
		})
	})
}

// ExpireReservation fires at the reservation deadline. Whoever transitions
// the status first wins; a lost race is a silent no-op.
func (s *Service) ExpireReservation(ctx context.Context, reservationID snowflake.ID) (bool, error) {
	expired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.findReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return fault.NewNotFound("reservation", reservationID.String())
		}
		if reservation.Status != creditdomain.ReservationStatusActive {
			return nil
		}
		now := time.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_reservations
			 SET status = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			creditdomain.ReservationStatusExpired,
			now,
			reservation.ID,
			creditdomain.ReservationStatusActive,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		expired = true
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: reservation.TenantID,
			Type:     events.EventCreditsReservationExpired,
			Payload: map[string]any{
				"reservation_id": reservation.ID.String(),
				"amount":         reservation.Amount,
			},
			DedupeKey: "credits.reservation_expired:" + reservation.ID.String(),
		})
	})
	return expired, err
}

// onPaymentSettled completes or fails the purchase transaction linked to a
// payment, inside the payment's settlement transaction.
func (s *Service) onPaymentSettled(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, succeeded bool) error {
	raw, ok := payment.Metadata["credit_transaction_id"]
	if !ok {
		return nil
	}
	idText, ok := raw.(string)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return nil
	}
	txnID := snowflake.ID(parsed)

	if !succeeded {
		return s.failPurchase(ctx, tx, txnID)
	}

	var txn creditdomain.CreditTransaction
	if err := tx.WithContext(ctx).Raw(
		`SELECT * FROM credit_transactions WHERE id = ?`, txnID,
	).Scan(&txn).Error; err != nil {
		return err
	}
	if txn.ID == 0 {
		return fault.NewNotFound("credit_transaction", txnID.String())
	}

	now := time.Now().UTC()
	result := tx.WithContext(ctx).Exec(
		`UPDATE credit_transactions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		creditdomain.TransactionStatusCompleted,
		now,
		txnID,
		creditdomain.TransactionStatusPending,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Already settled by an earlier delivery.
		return nil
	}
	s.balances.Delete(txn.TenantID)

	return s.outbox.PublishTx(ctx, tx, events.Event{
		TenantID: txn.TenantID,
		Type:     events.EventCreditsPurchased,
		Payload: map[string]any{
			"transaction_id": txn.ID.String(),
			"amount":         txn.Amount,
			"payment_id":     payment.ID.String(),
		},
		DedupeKey: "credits.purchased:" + txn.ID.String(),
	})
}

func (s *Service) failPurchase(ctx context.Context, db *gorm.DB, txnID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_transactions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		creditdomain.TransactionStatusFailed,
		time.Now().UTC(),
		txnID,
		creditdomain.TransactionStatusPending,
	).Error
}

// bonusFor applies the single highest qualifying tier; tiers never stack.
func (s *Service) bonusFor(amount int64) int64 {
	var percent int64
	for _, tier := range s.cfg.Credit.BonusTiers {
		if amount >= tier.Threshold {
			percent = tier.Percent
		}
	}
	return amount * percent / 100
}

func (s *Service) balanceTx(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, error) {
	var balance int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_transactions
		 WHERE tenant_id = ? AND status = ?`,
		tenantID,
		creditdomain.TransactionStatusCompleted,
	).Scan(&balance).Error
	return balance, err
}

func (s *Service) availableTx(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (int64, error) {
	balance, err := s.balanceTx(ctx, db, tenantID)
	if err != nil {
		return 0, err
	}
	var held int64
	err = db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_reservations
		 WHERE tenant_id = ? AND status = ? AND expires_at > ?`,
		tenantID,
		creditdomain.ReservationStatusActive,
		now,
	).Scan(&held).Error
	if err != nil {
		return 0, err
	}
	return balance - held, nil
}

// lockTenant serializes balance-affecting writes per tenant. SQLite
// serializes writers on its own, so the advisory lock is postgres-only.
func (s *Service) lockTenant(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.WithContext(ctx).Exec(`SELECT pg_advisory_xact_lock(?)`, int64(tenantID)).Error
}

func (s *Service) findReservation(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*creditdomain.CreditReservation, error) {
	var reservation creditdomain.CreditReservation
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM credit_reservations WHERE id = ?`, id,
	).Scan(&reservation).Error
	if err != nil {
		return nil, err
	}
	if reservation.ID == 0 {
		return nil, nil
	}
	return &reservation, nil
}

// transitionReservation is the release compare-and-set: mutate only while
// the current status is still active. Releasing a lapsed hold is allowed;
// it is already excluded from available, so no headroom moves.
func (s *Service) transitionReservation(
	ctx context.Context,
	tx *gorm.DB,
	reservation *creditdomain.CreditReservation,
	target creditdomain.ReservationStatus,
	operation string,
	reason *string,
	now time.Time,
) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE credit_reservations
		 SET status = ?, released_reason = COALESCE(?, released_reason), updated_at = ?
		 WHERE id = ? AND status = ?`,
		target,
		reason,
		now,
		reservation.ID,
		creditdomain.ReservationStatusActive,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := s.findReservation(ctx, tx, reservation.ID)
		if err != nil {
			return err
		}
		status := "unknown"
		if current != nil {
			status = string(current.Status)
		}
		return fault.NewStateConflict("reservation", reservation.ID.String(), operation, status)
	}
	reservation.Status = target
	return nil
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
