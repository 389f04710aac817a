package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Bus is the outbound event transport. The real broker is a collaborator;
// LogBus stands in when none is configured.
type Bus interface {
	Deliver(ctx context.Context, tenantID snowflake.ID, eventType string, payload []byte) error
}

// LogBus logs deliveries instead of sending them anywhere.
type LogBus struct {
	Log *zap.Logger
}

func (b LogBus) Deliver(ctx context.Context, tenantID snowflake.ID, eventType string, payload []byte) error {
	b.Log.Info("event delivered",
		zap.String("tenant_id", tenantID.String()),
		zap.String("event_type", eventType),
		zap.ByteString("payload", payload),
	)
	return nil
}

type outboxRow struct {
	ID       snowflake.ID
	TenantID snowflake.ID
	Type     string `gorm:"column:event_type"`
	Payload  datatypes.JSON
}

// Publisher drains unpublished outbox rows to the bus. Delivery failures
// leave the row unpublished for the next pass (at-least-once).
type Publisher struct {
	db           *gorm.DB
	log          *zap.Logger
	bus          Bus
	batchSize    int
	pollInterval time.Duration
}

func NewPublisher(db *gorm.DB, log *zap.Logger, bus Bus, batchSize int, pollInterval time.Duration) *Publisher {
	if batchSize <= 0 {
		batchSize = 50
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Publisher{
		db:           db,
		log:          log.Named("events.publisher"),
		bus:          bus,
		batchSize:    batchSize,
		pollInterval: pollInterval,
	}
}

func (p *Publisher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil {
			p.log.Warn("outbox publish pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce drains at most one batch and returns the delivered count.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	if p.db == nil || p.bus == nil {
		return 0, errors.New("publisher_unavailable")
	}

	var rows []outboxRow
	if err := p.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, event_type, payload
		 FROM billing_events
		 WHERE published = false
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		p.batchSize,
	).Scan(&rows).Error; err != nil {
		return 0, err
	}

	delivered := 0
	for _, row := range rows {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			payload = []byte("{}")
		}
		if err := p.bus.Deliver(ctx, row.TenantID, row.Type, payload); err != nil {
			p.log.Warn("event delivery failed",
				zap.String("event_id", row.ID.String()),
				zap.String("event_type", row.Type),
				zap.Error(err),
			)
			continue
		}
		if err := p.db.WithContext(ctx).Exec(
			`UPDATE billing_events SET published = true WHERE id = ?`,
			row.ID,
		).Error; err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
