package scheduler

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ActionKind names a deferred action executed by the due-queue worker.
type ActionKind string

const (
	KindReservationExpire ActionKind = "reservation.expire"
	KindPaymentExpire     ActionKind = "payment.expire"
	KindSubscriptionBill  ActionKind = "subscription.bill"
)

// ActionStatus tracks a scheduled action through its lifecycle.
type ActionStatus string

const (
	ActionStatusPending  ActionStatus = "pending"
	ActionStatusRunning  ActionStatus = "running"
	ActionStatusDone     ActionStatus = "done"
	ActionStatusCanceled ActionStatus = "canceled"
	ActionStatusFailed   ActionStatus = "failed"
)

// ScheduledAction is a durable due-queue row. Unlike a process-local timer it
// survives restarts: pending rows are picked up by whichever worker polls
// next.
type ScheduledAction struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Kind      ActionKind   `gorm:"type:text;not null;index:ix_scheduled_actions_target,priority:1"`
	TargetID  snowflake.ID `gorm:"not null;index:ix_scheduled_actions_target,priority:2"`
	DueAt     time.Time    `gorm:"not null;index:ix_scheduled_actions_due,priority:2"`
	Status    ActionStatus `gorm:"type:text;not null;default:'pending';index:ix_scheduled_actions_due,priority:1"`
	Attempts  int          `gorm:"not null;default:0"`
	LastError *string      `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ScheduledAction) TableName() string { return "scheduled_actions" }
