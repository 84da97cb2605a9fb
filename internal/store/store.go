// Package store persists the adapter's local state in SQLite: a bounded history of
// finished deployment tasks and the outbox of result reports the orchestrator has not
// acknowledged yet.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/ladapter/pkg/api"
)

// HistoryLimit is how many finished tasks are kept.
const HistoryLimit = 50

// Store is a SQLite-backed persistence layer.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens or creates the database at path; ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and :memory: is per-connection.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// HistoryEntry summarizes one finished task.
type HistoryEntry struct {
	TaskID       string        `json:"task_id"`
	DeploymentID string        `json:"deployment_id,omitempty"`
	Status       api.RunStatus `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	ExitCode     int           `json:"exit_code"`
	DurationMS   int64         `json:"duration_ms"`
	Steps        int           `json:"steps"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// RecordTask appends an entry and trims history to HistoryLimit rows.
func (s *Store) RecordTask(ctx context.Context, e HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO task_history
		(task_id, deployment_id, status, reason, exit_code, duration_ms, steps, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.DeploymentID, string(e.Status), e.Reason, e.ExitCode, e.DurationMS, e.Steps,
		e.StartedAt.UnixMilli(), e.CompletedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM task_history WHERE id NOT IN
		(SELECT id FROM task_history ORDER BY id DESC LIMIT ?)`, HistoryLimit)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return tx.Commit()
}

// History returns up to limit entries, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, deployment_id, status, reason, exit_code,
		duration_ms, steps, started_at, completed_at FROM task_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		var status string
		var started, completed int64
		if err := rows.Scan(&e.TaskID, &e.DeploymentID, &status, &e.Reason, &e.ExitCode,
			&e.DurationMS, &e.Steps, &started, &completed); err != nil {
			return nil, err
		}
		e.Status = api.RunStatus(status)
		e.StartedAt = time.UnixMilli(started)
		e.CompletedAt = time.UnixMilli(completed)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingReport is an unacknowledged result report.
type PendingReport struct {
	Report     api.ResultReport
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
}

// EnqueueReport stores or refreshes a report in the outbox.
func (s *Store) EnqueueReport(ctx context.Context, r api.ResultReport, attempts int, lastErr string) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `INSERT INTO pending_reports
		(task_id, payload, attempts, last_error, enqueued_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			payload = excluded.payload,
			attempts = pending_reports.attempts + excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		r.TaskID, string(payload), attempts, lastErr, now, now)
	if err != nil {
		return fmt.Errorf("enqueue report %s: %w", r.TaskID, err)
	}
	return nil
}

// PendingReports lists the outbox, oldest first.
func (s *Store) PendingReports(ctx context.Context) ([]PendingReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload, attempts, last_error, enqueued_at
		FROM pending_reports ORDER BY enqueued_at, task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingReport
	for rows.Next() {
		var p PendingReport
		var payload string
		var enqueued int64
		if err := rows.Scan(&payload, &p.Attempts, &p.LastError, &enqueued); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &p.Report); err != nil {
			return nil, fmt.Errorf("decode pending report: %w", err)
		}
		p.EnqueuedAt = time.UnixMilli(enqueued)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPending returns the outbox size.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_reports`).Scan(&n)
	return n, err
}

// AckReport removes a delivered report.
func (s *Store) AckReport(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_reports WHERE task_id = ?`, taskID)
	return err
}
