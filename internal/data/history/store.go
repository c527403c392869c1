// Package history keeps a sqlite journal of module graph runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"modgraph/internal/shared/observability"
)

const (
	driverName         = "sqlite"
	maxAttempts        = 5
	defaultBusyTimeout = 2 * time.Second
)

// Outcomes recorded for a run.
const (
	OutcomeEvaluated   = "evaluated"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeLinkFailed  = "link_failed"
	OutcomeEvalFailed  = "evaluation_failed"
	OutcomeAborted     = "aborted"
)

type Run struct {
	ID        string
	Root      string
	StartedAt time.Time
	Duration  time.Duration
	Outcome   string
	Error     string
	Modules   []RunModule
}

// RunModule is one module's final state in a run, in module map order.
type RunModule struct {
	URL    string
	Status string
	Error  string
}

type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

func Open(path string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: defaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("history path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("history path %q is a directory, expected file", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory %q: %w", dir, err)
		}
	}

	// busy_timeout + WAL reduce lock conflicts during watch-mode churn.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		cleanPath, o.busyTimeout.Milliseconds())
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history %q: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite history %q: %w", cleanPath, err)
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema %q: %w", cleanPath, err)
	}
	return &Store{path: cleanPath, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Ping reports whether the database is reachable; used as a health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordRun stores a run and its modules. Recording the same ID twice
// replaces the earlier row.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	err := s.withRetry("record run", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_modules WHERE run_id = ?`, run.ID); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO runs (id, root, started_at_utc, duration_ms, module_count, outcome, error)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  root=excluded.root,
  started_at_utc=excluded.started_at_utc,
  duration_ms=excluded.duration_ms,
  module_count=excluded.module_count,
  outcome=excluded.outcome,
  error=excluded.error
`,
			run.ID,
			run.Root,
			run.StartedAt.UTC().Format(time.RFC3339Nano),
			run.Duration.Milliseconds(),
			len(run.Modules),
			run.Outcome,
			run.Error,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
		for i, m := range run.Modules {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_modules (run_id, position, url, status, error) VALUES (?, ?, ?, ?, ?)`,
				run.ID, i, m.URL, m.Status, m.Error,
			); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		observability.HistoryWritesTotal.WithLabelValues("failed").Inc()
		return err
	}
	observability.HistoryWritesTotal.WithLabelValues("ok").Inc()
	return nil
}

// RecentRuns returns up to limit runs, newest first, with their modules.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	err := s.withRetry("load runs", func() error {
		var qErr error
		rows, qErr = s.db.QueryContext(ctx, `
SELECT id, root, started_at_utc, duration_ms, outcome, error
FROM runs
ORDER BY started_at_utc DESC, id ASC
LIMIT ?
`, limit)
		return qErr
	})
	if err != nil {
		return nil, err
	}

	runs := make([]Run, 0, limit)
	for rows.Next() {
		var (
			run        Run
			startedRaw string
			durationMS int64
		)
		if err := rows.Scan(&run.ID, &run.Root, &startedRaw, &durationMS, &run.Outcome, &run.Error); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		started, err := time.Parse(time.RFC3339Nano, startedRaw)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse run timestamp %q: %w", startedRaw, err)
		}
		run.StartedAt = started.UTC()
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	rows.Close()

	for i := range runs {
		modules, err := s.loadModules(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Modules = modules
	}
	return runs, nil
}

func (s *Store) loadModules(ctx context.Context, runID string) ([]RunModule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, status, error FROM run_modules WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("load run modules: %w", err)
	}
	defer rows.Close()

	var modules []RunModule
	for rows.Next() {
		var m RunModule
		if err := rows.Scan(&m.URL, &m.Status, &m.Error); err != nil {
			return nil, fmt.Errorf("scan run module row: %w", err)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run module rows: %w", err)
	}
	return modules, nil
}

func (s *Store) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt*25) * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func IsCorruptError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") || errors.Is(err, os.ErrInvalid)
}
