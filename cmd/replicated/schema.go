package main

import (
	"database/sql"
	"fmt"
)

// initSchema creates the tables this daemon owns directly (audit
// logging, operator sessions, per-dataset task configuration);
// bidir_links, replication_peer_keys, and replication_keys are created
// separately by bidir.LinkManager.Start/peertrust.Store.EnsureSchema/
// api.EnsureReplicationKeySchema, the same per-package ensureSchema
// split the teacher uses between initSchema and ha.Manager.ensureSchema.
// Safe to call on every startup — IF NOT EXISTS, no data is touched.
func initSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			user TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL DEFAULT 1,
			prev_hash TEXT NOT NULL DEFAULT '',
			row_hash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_logs(user)`,

		// internal/security/session.go queries these directly; without
		// them ValidateSession/ValidateUser fail closed on every call
		// (sql.ErrNoRows from a missing table, not just a missing row).
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			expires_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_username ON sessions(username)`,

		// Per-dataset task configuration (SPEC_FULL.md's ambient-stack
		// persistence section): schedule inputs plus last-run
		// bookkeeping for the snapshot/replication schedule a cron-like
		// driver consults, mirroring bidir_links' one-row-per-entity
		// layout rather than a generic key/value settings blob.
		`CREATE TABLE IF NOT EXISTS replication_tasks (
			name TEXT PRIMARY KEY,
			dataset TEXT NOT NULL,
			remote_dataset TEXT NOT NULL DEFAULT '',
			schedule TEXT NOT NULL DEFAULT '',
			lifetime TEXT NOT NULL DEFAULT '',
			prefix TEXT NOT NULL DEFAULT 'auto',
			recursive INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at INTEGER,
			last_run_success INTEGER,
			last_run_error TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema init failed: %w\nstatement: %.80s", err, stmt)
		}
	}
	return nil
}
