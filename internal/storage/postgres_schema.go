package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		roles TEXT[] NOT NULL DEFAULT '{}',
		password_hash TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS broadcasts (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		started_by_id TEXT REFERENCES users (id),
		current_dj_id TEXT REFERENCES users (id),
		scheduled_start TIMESTAMPTZ NOT NULL,
		scheduled_end TIMESTAMPTZ NOT NULL,
		actual_start TIMESTAMPTZ,
		actual_end TIMESTAMPTZ,
		peak_listeners INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS handovers (
		id TEXT PRIMARY KEY,
		broadcast_id TEXT NOT NULL REFERENCES broadcasts (id) ON DELETE CASCADE,
		previous_dj_id TEXT REFERENCES users (id),
		new_dj_id TEXT NOT NULL REFERENCES users (id),
		initiated_by_id TEXT NOT NULL REFERENCES users (id),
		reason TEXT NOT NULL DEFAULT '',
		handover_time TIMESTAMPTZ NOT NULL,
		duration_seconds BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS handovers_broadcast_time_idx ON handovers (broadcast_id, handover_time)`,
	`CREATE INDEX IF NOT EXISTS broadcasts_status_idx ON broadcasts (status)`,
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := r.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
