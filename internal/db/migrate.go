package db

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is the idempotent set of CREATE TABLE IF NOT EXISTS statements
// for the core's relational tables. Every tenant-scoped table carries
// tenant_id and an index on (tenant_id, ...) per the tenant-isolation
// invariant.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		tier TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		time_zone TEXT NOT NULL DEFAULT 'UTC',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS integrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		base_url TEXT NOT NULL DEFAULT '',
		credential_ref TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_integrations_tenant ON integrations(tenant_id)`,
	`CREATE TABLE IF NOT EXISTS job_schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL,
		integration_id INTEGER NOT NULL,
		job_name TEXT NOT NULL,
		execution_order INTEGER NOT NULL DEFAULT 0,
		schedule_interval_minutes INTEGER NOT NULL,
		steps_json TEXT NOT NULL DEFAULT '[]',
		last_run_started_at DATETIME,
		last_success_at DATETIME,
		next_run DATETIME,
		active INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT '',
		cancel_flag INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(tenant_id, job_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_schedules_tenant ON job_schedules(tenant_id)`,
	`CREATE TABLE IF NOT EXISTS raw_extraction_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL,
		integration_id INTEGER NOT NULL,
		job_id INTEGER NOT NULL DEFAULT 0,
		step_name TEXT NOT NULL,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_item INTEGER NOT NULL DEFAULT 0,
		error_details TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_extraction_tenant ON raw_extraction_data(tenant_id, status)`,
	`CREATE TABLE IF NOT EXISTS domain_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		external_id TEXT NOT NULL,
		data_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(tenant_id, table_name, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_domain_records_tenant ON domain_records(tenant_id, table_name)`,
	`CREATE TABLE IF NOT EXISTS vectorization_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL,
		step_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		external_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(tenant_id, table_name, external_id, operation)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vectorization_queue_tenant ON vectorization_queue(tenant_id, status)`,
	`CREATE TABLE IF NOT EXISTS vector_bridge (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		record_id INTEGER NOT NULL,
		external_id TEXT NOT NULL,
		embedding_model TEXT NOT NULL,
		embedding_dimensions INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(tenant_id, table_name, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vector_bridge_tenant ON vector_bridge(tenant_id, active)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		tenant_id INTEGER NOT NULL,
		job_id INTEGER NOT NULL,
		step_name TEXT NOT NULL,
		stage TEXT NOT NULL,
		cursor_token TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, job_id, step_name, stage)
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue_name TEXT NOT NULL,
		tenant_id INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
}

// Migrate applies the schema idempotently. Safe to call on every process
// start.
func Migrate(ctx context.Context, conn *sql.DB) error {
	for i, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	return nil
}
