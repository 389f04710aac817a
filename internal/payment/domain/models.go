package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Method names a payment rail.
type Method string

const (
	MethodInstantTransfer Method = "instant_transfer"
	MethodCard            Method = "card"
)

// Status tracks a payment from pending to exactly one terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Payment records one outbound charge attempt against a provider.
type Payment struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	TenantID          snowflake.ID      `gorm:"not null;index"`
	Method            Method            `gorm:"type:text;not null"`
	Amount            int64             `gorm:"not null"`
	Currency          string            `gorm:"type:text;not null"`
	Status            Status            `gorm:"type:text;not null;default:'pending'"`
	Provider          string            `gorm:"type:text;not null;uniqueIndex:ux_payments_provider_payment,priority:1"`
	ProviderPaymentID *string           `gorm:"type:text;uniqueIndex:ux_payments_provider_payment,priority:2"`
	PaymentCode       *string           `gorm:"type:text"`
	ExpiresAt         *time.Time        `gorm:"column:expires_at"`
	CompletedAt       *time.Time        `gorm:"column:completed_at"`
	ProviderData      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// RefundStatus reflects the provider outcome of a refund attempt.
type RefundStatus string

const (
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusFailed    RefundStatus = "failed"
)

// Refund records a refund attempt. The row is persisted whatever the
// provider outcome, so failed attempts stay auditable.
type Refund struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	PaymentID        snowflake.ID `gorm:"not null;index"`
	Amount           int64        `gorm:"not null"`
	Status           RefundStatus `gorm:"type:text;not null"`
	Reason           string       `gorm:"type:text"`
	ProviderRefundID string       `gorm:"type:text"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Refund) TableName() string { return "payment_refunds" }

// WebhookEvent is the persisted record of an accepted provider webhook. The
// unique (provider, provider_event_id) key detects duplicate delivery.
type WebhookEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_payment_webhooks_provider_event,priority:1"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_payment_webhooks_provider_event,priority:2"`
	EventType       string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "payment_webhooks" }
