// Package tasks manages the replication_tasks table: per-dataset
// schedule configuration and last-run bookkeeping (SPEC_FULL.md's
// ambient-stack persistence section). Grounded on the teacher's
// handlers/system_extended.go SnapshotScheduleHandler
// (List/SaveSchedules), adapted from a JSON file under
// internal/handlers' ConfigDir to the sqlite table this module's
// persistence section specifies instead.
package tasks

import (
	"context"
	"database/sql"
	"fmt"
)

// Task is one row of replication_tasks: what to snapshot/replicate, on
// what cron-style schedule, and the outcome of its last run.
type Task struct {
	Name            string `json:"name"`
	Dataset         string `json:"dataset"`
	RemoteDataset   string `json:"remote_dataset,omitempty"`
	Schedule        string `json:"schedule"` // cron expression, e.g. "0 * * * *"
	Lifetime        string `json:"lifetime"` // namer.Lifetime.String(), e.g. "1y"
	Prefix          string `json:"prefix"`
	Recursive       bool   `json:"recursive"`
	Enabled         bool   `json:"enabled"`
	LastRunAt       int64  `json:"last_run_at,omitempty"`
	LastRunSuccess  bool   `json:"last_run_success,omitempty"`
	LastRunError    string `json:"last_run_error,omitempty"`
}

// Store reads/writes replication_tasks. Schema is created by
// cmd/replicated's initSchema, alongside audit_logs, rather than by a
// private ensureSchema of this package (bidir_links, by contrast, is
// created by bidir.LinkManager's own ensureSchema).
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// List returns every configured task, in no particular persisted order.
func (s *Store) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, dataset, remote_dataset, schedule, lifetime,
		prefix, recursive, enabled, last_run_at, last_run_success, last_run_error
		FROM replication_tasks`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var lastRunAt sql.NullInt64
		var lastRunSuccess sql.NullBool
		if err := rows.Scan(&t.Name, &t.Dataset, &t.RemoteDataset, &t.Schedule, &t.Lifetime,
			&t.Prefix, &t.Recursive, &t.Enabled, &lastRunAt, &lastRunSuccess, &t.LastRunError); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.LastRunAt = lastRunAt.Int64
		t.LastRunSuccess = lastRunSuccess.Bool
		out = append(out, t)
	}
	return out, rows.Err()
}

// Save inserts or replaces t by name (operator-driven configuration
// change, same create-or-update shape as bidir's persistLink).
func (s *Store) Save(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO replication_tasks
		(name, dataset, remote_dataset, schedule, lifetime, prefix, recursive, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			dataset = excluded.dataset,
			remote_dataset = excluded.remote_dataset,
			schedule = excluded.schedule,
			lifetime = excluded.lifetime,
			prefix = excluded.prefix,
			recursive = excluded.recursive,
			enabled = excluded.enabled`,
		t.Name, t.Dataset, t.RemoteDataset, t.Schedule, t.Lifetime, t.Prefix, t.Recursive, t.Enabled)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.Name, err)
	}
	return nil
}

// Delete removes a task by name. Deleting a name that doesn't exist is
// not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM replication_tasks WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete task %s: %w", name, err)
	}
	return nil
}

// RecordRun updates a task's last-run bookkeeping after a scheduler
// invokes it (spec §9's call_task_sync driving a configured task).
func (s *Store) RecordRun(ctx context.Context, name string, at int64, success bool, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE replication_tasks
		SET last_run_at = ?, last_run_success = ?, last_run_error = ?
		WHERE name = ?`, at, success, msg, name)
	if err != nil {
		return fmt.Errorf("record run for task %s: %w", name, err)
	}
	return nil
}
