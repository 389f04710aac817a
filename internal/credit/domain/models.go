package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionTypePurchase    TransactionType = "purchase"
	TransactionTypeConsumption TransactionType = "consumption"
	TransactionTypeAdjustment  TransactionType = "adjustment"
)

// TransactionStatus tracks a ledger entry to its terminal state. Completed
// entries are immutable; balance(tenant) sums completed amounts only.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// CreditTransaction is an append-only ledger entry. Amounts are signed and
// stored in credit hundredths.
type CreditTransaction struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	TenantID  snowflake.ID      `gorm:"not null;index:ix_credit_transactions_tenant_status,priority:1"`
	Type      TransactionType   `gorm:"type:text;not null"`
	Amount    int64             `gorm:"not null"`
	Status    TransactionStatus `gorm:"type:text;not null;index:ix_credit_transactions_tenant_status,priority:2"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// ReservationStatus tracks a hold through exactly one terminal transition.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusConsumed ReservationStatus = "consumed"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

// CreditReservation is a time-bounded hold against available balance.
// available(tenant) = balance(tenant) - sum of active, non-expired holds.
type CreditReservation struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	TenantID       snowflake.ID      `gorm:"not null;index:ix_credit_reservations_tenant_status,priority:1"`
	Amount         int64             `gorm:"not null"`
	Purpose        string            `gorm:"type:text;not null"`
	Status         ReservationStatus `gorm:"type:text;not null;default:'active';index:ix_credit_reservations_tenant_status,priority:2"`
	ExpiresAt      time.Time         `gorm:"not null"`
	ReleasedReason *string           `gorm:"type:text"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditReservation) TableName() string { return "credit_reservations" }
