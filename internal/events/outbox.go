package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event describes a domain event bound for the bus.
type Event struct {
	TenantID  snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Outbox stores domain events in the billing_events table. Events are
// delivered to the bus by the publisher worker; storing them in the same
// transaction as the operation keeps publish-after-commit semantics without
// letting a bus outage fail the operation.
type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, log *zap.Logger, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, log: log.Named("events.outbox"), genID: genID}
}

// Publish stores an event on the default connection. Errors are logged and
// swallowed: a publish failure must never fail the originating operation.
func (o *Outbox) Publish(ctx context.Context, event Event) {
	if err := o.publish(ctx, o.db, event); err != nil {
		o.log.Warn("event publish failed",
			zap.String("event_type", event.Type),
			zap.String("tenant_id", event.TenantID.String()),
			zap.Error(err),
		)
	}
}

// PublishTx stores an event inside an existing transaction. A failure here
// rolls back with the operation, so the commit and the event stay atomic.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	if event.TenantID == 0 {
		return errors.New("invalid_tenant_id")
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return errors.New("missing_event_type")
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	dedupe := strings.TrimSpace(event.DedupeKey)
	var dedupeValue any
	if dedupe != "" {
		dedupeValue = dedupe
	}

	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (id, tenant_id, event_type, payload, dedupe_key, published, created_at)
		 VALUES (?, ?, ?, ?, ?, false, ?)
		 ON CONFLICT (tenant_id, dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		event.TenantID,
		name,
		payload,
		dedupeValue,
		now,
	).Error
}
