package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler executes one due action. Returning nil marks the action done;
// handlers must treat an already-transitioned target as a no-op success.
type Handler func(ctx context.Context, targetID snowflake.ID) error

// Registry maps action kinds to their handlers. Domain modules register
// themselves during fx startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[ActionKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[ActionKind]Handler)}
}

func (r *Registry) Register(kind ActionKind, handler Handler) {
	r.mu.Lock()
	r.handlers[kind] = handler
	r.mu.Unlock()
}

func (r *Registry) lookup(kind ActionKind) (Handler, bool) {
	r.mu.RLock()
	handler, ok := r.handlers[kind]
	r.mu.RUnlock()
	return handler, ok
}

// Config controls the due-queue worker loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	ClaimLease   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		PollInterval: 2 * time.Second,
		MaxAttempts:  5,
		RetryBackoff: 30 * time.Second,
		ClaimLease:   5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = defaults.ClaimLease
	}
	return c
}

// Worker polls scheduled_actions for due pending rows and executes them.
type Worker struct {
	db       *gorm.DB
	log      *zap.Logger
	registry *Registry
	cfg      Config
}

func NewWorker(db *gorm.DB, log *zap.Logger, registry *Registry, cfg Config) *Worker {
	return &Worker{
		db:       db,
		log:      log.Named("scheduler.worker"),
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("due-queue pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims at most one batch of due actions and executes them, and
// returns how many were claimed. The claim commits before any handler runs:
// handlers open their own transactions and may enqueue, cancel or reschedule
// actions for their target, so they must never run inside the transaction
// that holds the claimed rows. A handler failure is recorded on its row and
// never aborts the batch.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w.db == nil || w.registry == nil {
		return 0, errors.New("scheduler_worker_unavailable")
	}

	now := time.Now().UTC()
	claimed, err := w.claimDue(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, action := range claimed {
		w.execute(ctx, action, now)
	}
	return len(claimed), nil
}

// claimDue flips a batch of due rows to running inside one short transaction.
// Running rows whose claim lease has lapsed are reclaimed: a worker that died
// mid-batch leaves them behind, and the lease is how the next worker picks
// them up after a restart.
func (w *Worker) claimDue(ctx context.Context, now time.Time) ([]ScheduledAction, error) {
	var rows []ScheduledAction
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		due, err := w.lockDue(ctx, tx, now)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		ids := make([]snowflake.ID, len(due))
		for i, action := range due {
			ids[i] = action.ID
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE scheduled_actions
			 SET status = ?, updated_at = ?
			 WHERE id IN ? AND status IN (?, ?)`,
			ActionStatusRunning,
			now,
			ids,
			ActionStatusPending,
			ActionStatusRunning,
		).Error; err != nil {
			return err
		}
		rows = due
		return nil
	})
	return rows, err
}

func (w *Worker) lockDue(ctx context.Context, tx *gorm.DB, now time.Time) ([]ScheduledAction, error) {
	query := `SELECT id, kind, target_id, due_at, status, attempts, last_error, created_at, updated_at
		 FROM scheduled_actions
		 WHERE (status = ? AND due_at <= ?) OR (status = ? AND updated_at <= ?)
		 ORDER BY due_at ASC, id ASC
		 %s
		 LIMIT ?`
	lock := ""
	if tx.Dialector.Name() == "postgres" {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	var rows []ScheduledAction
	err := tx.WithContext(ctx).Raw(
		fmt.Sprintf(query, lock),
		ActionStatusPending,
		now,
		ActionStatusRunning,
		now.Add(-w.cfg.ClaimLease),
		w.cfg.BatchSize,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (w *Worker) execute(ctx context.Context, action ScheduledAction, now time.Time) {
	handler, ok := w.registry.lookup(action.Kind)
	if !ok {
		w.recordFailure(ctx, action, now, fmt.Errorf("no handler for kind %s", action.Kind))
		return
	}

	if err := handler(ctx, action.TargetID); err != nil {
		w.log.Warn("scheduled action failed",
			zap.String("action_id", action.ID.String()),
			zap.String("kind", string(action.Kind)),
			zap.String("target_id", action.TargetID.String()),
			zap.Error(err),
		)
		w.recordFailure(ctx, action, now, err)
		return
	}

	if err := w.db.WithContext(ctx).Exec(
		`UPDATE scheduled_actions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		ActionStatusDone,
		now,
		action.ID,
		ActionStatusRunning,
	).Error; err != nil {
		w.log.Warn("failed to mark action done", zap.String("action_id", action.ID.String()), zap.Error(err))
	}
}

func (w *Worker) recordFailure(ctx context.Context, action ScheduledAction, now time.Time, cause error) {
	attempts := action.Attempts + 1
	status := ActionStatusPending
	dueAt := now.Add(w.cfg.RetryBackoff * time.Duration(attempts))
	if attempts >= w.cfg.MaxAttempts {
		status = ActionStatusFailed
		dueAt = action.DueAt
	}
	message := cause.Error()
	if err := w.db.WithContext(ctx).Exec(
		`UPDATE scheduled_actions
		 SET status = ?, attempts = ?, due_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		attempts,
		dueAt,
		message,
		now,
		action.ID,
		ActionStatusRunning,
	).Error; err != nil {
		w.log.Warn("failed to record action failure", zap.String("action_id", action.ID.String()), zap.Error(err))
	}
}
