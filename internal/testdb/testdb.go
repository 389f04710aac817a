// Package testdb opens throwaway in-memory databases for service tests,
// with the billing schema translated to SQLite column types.
package testdb

import (
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var schema = []string{
	`CREATE TABLE credit_transactions (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE credit_reservations (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		purpose TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		expires_at DATETIME NOT NULL,
		released_reason TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE subscription_plans (
		id BIGINT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		price BIGINT NOT NULL,
		billing_interval TEXT NOT NULL,
		credits_included BIGINT NOT NULL DEFAULT 0,
		features TEXT NOT NULL DEFAULT '{}',
		trial_days INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE subscriptions (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		plan_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 1,
		current_period_start DATETIME NOT NULL,
		current_period_end DATETIME NOT NULL,
		trial_end DATETIME,
		canceled_at DATETIME,
		cancel_reason TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE subscription_changes (
		id BIGINT PRIMARY KEY,
		subscription_id BIGINT NOT NULL,
		from_plan_id BIGINT NOT NULL,
		to_plan_id BIGINT NOT NULL,
		change_type TEXT NOT NULL,
		proration_amount BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE subscription_dunning (
		id BIGINT PRIMARY KEY,
		subscription_id BIGINT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		next_attempt_at DATETIME NOT NULL,
		last_error TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE payments (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		method TEXT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		provider TEXT NOT NULL,
		provider_payment_id TEXT,
		payment_code TEXT,
		expires_at DATETIME,
		completed_at DATETIME,
		provider_data TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX ux_payments_provider_payment ON payments (provider, provider_payment_id)`,
	`CREATE TABLE payment_refunds (
		id BIGINT PRIMARY KEY,
		payment_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		provider_refund_id TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE payment_webhooks (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_payment_webhooks_provider_event ON payment_webhooks (provider, provider_event_id)`,
	`CREATE TABLE scheduled_actions (
		id BIGINT PRIMARY KEY,
		kind TEXT NOT NULL,
		target_id BIGINT NOT NULL,
		due_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE billing_events (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		dedupe_key TEXT,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX ux_billing_events_dedupe ON billing_events (tenant_id, dedupe_key)`,
}

// Open returns an isolated in-memory database with the billing schema.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply test schema: %v", err)
		}
	}
	return db
}
