package events

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stackmerce/billing/internal/testdb"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingBus struct {
	delivered []string
	fail      bool
}

func (b *recordingBus) Deliver(ctx context.Context, tenantID snowflake.ID, eventType string, payload []byte) error {
	if b.fail {
		return errors.New("broker unavailable")
	}
	b.delivered = append(b.delivered, eventType)
	return nil
}

func setupOutbox(t *testing.T) (*Outbox, *gorm.DB) {
	t.Helper()
	db := testdb.Open(t)
	node, err := snowflake.NewNode(5)
	if err != nil {
		t.Fatalf("new snowflake node: %v", err)
	}
	return NewOutbox(db, zap.NewNop(), node), db
}

func eventCount(t *testing.T, db *gorm.DB, tenantID snowflake.ID) int {
	t.Helper()
	var count int
	if err := db.Raw(`SELECT COUNT(*) FROM billing_events WHERE tenant_id = ?`, tenantID).Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

func TestPublishTxDeduplicatesByKey(t *testing.T) {
	outbox, db := setupOutbox(t)
	ctx := context.Background()
	tenant := snowflake.ID(7001)

	event := Event{
		TenantID:  tenant,
		Type:      EventCreditsPurchased,
		Payload:   map[string]any{"amount": int64(500_00)},
		DedupeKey: "credits.purchased:txn-1",
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := outbox.PublishTx(ctx, tx, event); err != nil {
			return err
		}
		return outbox.PublishTx(ctx, tx, event)
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := eventCount(t, db, tenant); got != 1 {
		t.Fatalf("events = %d, the dedupe key must collapse duplicates", got)
	}
}

func TestPublishTxAllowsSameKeyAcrossTenants(t *testing.T) {
	outbox, db := setupOutbox(t)
	ctx := context.Background()

	for _, tenant := range []snowflake.ID{7002, 7003} {
		err := db.Transaction(func(tx *gorm.DB) error {
			return outbox.PublishTx(ctx, tx, Event{
				TenantID:  tenant,
				Type:      EventCreditsReserved,
				DedupeKey: "credits.reserved:shared",
			})
		})
		if err != nil {
			t.Fatalf("publish tenant %d: %v", tenant, err)
		}
	}
	if got := eventCount(t, db, snowflake.ID(7002)) + eventCount(t, db, snowflake.ID(7003)); got != 2 {
		t.Fatalf("events = %d, the dedupe key is scoped per tenant", got)
	}
}

func TestPublishTxRejectsInvalidEvents(t *testing.T) {
	outbox, db := setupOutbox(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(ctx, tx, Event{Type: EventCreditsPurchased})
	})
	if err == nil {
		t.Fatal("expected an error for a missing tenant id")
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(ctx, tx, Event{TenantID: snowflake.ID(7004)})
	})
	if err == nil {
		t.Fatal("expected an error for a missing event type")
	}
}

func TestPublishSwallowsFailures(t *testing.T) {
	outbox, db := setupOutbox(t)
	tenant := snowflake.ID(7005)

	outbox.Publish(context.Background(), Event{TenantID: tenant, Type: EventCreditsConsumed})
	outbox.Publish(context.Background(), Event{Type: EventCreditsConsumed})

	if got := eventCount(t, db, tenant); got != 1 {
		t.Fatalf("events = %d, want only the valid publish stored", got)
	}
}

func TestPublisherDrainsOutboxOnce(t *testing.T) {
	outbox, db := setupOutbox(t)
	ctx := context.Background()
	tenant := snowflake.ID(7006)

	for _, key := range []string{"a", "b", "c"} {
		outbox.Publish(ctx, Event{
			TenantID:  tenant,
			Type:      EventSubscriptionBilled,
			Payload:   map[string]any{"key": key},
			DedupeKey: "subscription.billed:" + key,
		})
	}

	bus := &recordingBus{}
	publisher := NewPublisher(db, zap.NewNop(), bus, 10, 0)

	delivered, err := publisher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if delivered != 3 || len(bus.delivered) != 3 {
		t.Fatalf("delivered = %d (bus %d), want 3", delivered, len(bus.delivered))
	}

	// A second pass finds nothing unpublished.
	delivered, err = publisher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("second pass delivered = %d, want 0", delivered)
	}
}

func TestPublisherRetainsUndeliveredRows(t *testing.T) {
	outbox, db := setupOutbox(t)
	ctx := context.Background()
	tenant := snowflake.ID(7007)

	outbox.Publish(ctx, Event{TenantID: tenant, Type: EventPaymentCompleted})

	bus := &recordingBus{fail: true}
	publisher := NewPublisher(db, zap.NewNop(), bus, 10, 0)

	delivered, err := publisher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0 while the bus is down", delivered)
	}

	// The row stays unpublished for the next pass.
	bus.fail = false
	delivered, err = publisher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("retry delivered = %d, want 1", delivered)
	}
}
