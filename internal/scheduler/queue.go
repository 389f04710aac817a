package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Queue enqueues and cancels scheduled actions. Callers pass their own
// transaction when the enqueue must commit atomically with the operation
// that scheduled it.
type Queue struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewQueue(db *gorm.DB, genID *snowflake.Node) *Queue {
	return &Queue{db: db, genID: genID}
}

// Enqueue inserts a pending action due at dueAt.
func (q *Queue) Enqueue(ctx context.Context, tx *gorm.DB, kind ActionKind, targetID snowflake.ID, dueAt time.Time) error {
	db := tx
	if db == nil {
		db = q.db
	}
	if db == nil || q.genID == nil {
		return errors.New("queue_unavailable")
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO scheduled_actions (id, kind, target_id, due_at, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		q.genID.Generate(),
		kind,
		targetID,
		dueAt.UTC(),
		ActionStatusPending,
		now,
		now,
	).Error
}

// CancelPending marks every pending action of the kind/target as canceled.
func (q *Queue) CancelPending(ctx context.Context, tx *gorm.DB, kind ActionKind, targetID snowflake.ID) error {
	db := tx
	if db == nil {
		db = q.db
	}
	if db == nil {
		return errors.New("queue_unavailable")
	}
	return db.WithContext(ctx).Exec(
		`UPDATE scheduled_actions
		 SET status = ?, updated_at = ?
		 WHERE kind = ? AND target_id = ? AND status = ?`,
		ActionStatusCanceled,
		time.Now().UTC(),
		kind,
		targetID,
		ActionStatusPending,
	).Error
}

// Reschedule cancels any pending action of the kind/target and enqueues a
// replacement, in one statement pair.
func (q *Queue) Reschedule(ctx context.Context, tx *gorm.DB, kind ActionKind, targetID snowflake.ID, dueAt time.Time) error {
	if err := q.CancelPending(ctx, tx, kind, targetID); err != nil {
		return err
	}
	return q.Enqueue(ctx, tx, kind, targetID, dueAt)
}
