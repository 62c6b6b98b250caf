// Package db provides the durable local store for the offline engine.
package db

import "database/sql"

// schemaStatements holds the idempotent DDL applied on every open.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sync_actions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_actions_user_seq
		ON sync_actions(user_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_sync_actions_user_status
		ON sync_actions(user_id, status, next_retry_at);`,

	`CREATE TABLE IF NOT EXISTS cache_entries (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		data TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		expiry INTEGER NOT NULL,
		PRIMARY KEY (user_id, key)
	);`,

	`CREATE TABLE IF NOT EXISTS progress_records (
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		data TEXT NOT NULL,
		pending_changes INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, course_id)
	);`,

	`CREATE TABLE IF NOT EXISTS conflict_log (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		record_key TEXT NOT NULL,
		action_type TEXT NOT NULL,
		local_value TEXT NOT NULL,
		remote_value TEXT NOT NULL,
		resolution TEXT NOT NULL DEFAULT '',
		detected_at INTEGER NOT NULL,
		resolved_at INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_conflict_log_user_resolved
		ON conflict_log(user_id, resolved_at);`,
}

// applySchema runs the schema statements in order.
func applySchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
