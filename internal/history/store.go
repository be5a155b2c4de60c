// File: internal/history/store.go
// Brief: Durable execution history backed by sqlite.

// Package history persists execution snapshots and run events to a local
// sqlite database. The in-memory registry stays authoritative; this store is
// an append-behind mirror that survives process restarts.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/example/pipectl/internal/pipeline"
)

// Store implements pipeline.ExecutionRecorder and pipeline.RunEventObserver
// over a single sqlite file. Writes are serialized through one connection.
type Store struct {
	db   *sql.DB
	path string
}

var (
	_ pipeline.ExecutionRecorder = (*Store)(nil)
	_ pipeline.RunEventObserver  = (*Store)(nil)
)

// Run is one row of the retained execution history.
type Run struct {
	Execution pipeline.Execution
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create history dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS pipectl_runs (
  execution_id TEXT PRIMARY KEY,
  pipeline_id TEXT NOT NULL,
  status TEXT NOT NULL,
  trigger_source TEXT NOT NULL,
  branch TEXT NOT NULL,
  commit_sha TEXT NOT NULL,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  execution_json TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS pipectl_run_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  execution_id TEXT NOT NULL,
  ts_ns INTEGER NOT NULL,
  stage TEXT NOT NULL,
  type TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  message TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_pipectl_runs_created ON pipectl_runs(created_at_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_pipectl_run_events_exec ON pipectl_run_events(execution_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

// RecordExecution upserts the execution snapshot. Called once on admission
// and once per terminal transition.
func (s *Store) RecordExecution(ctx context.Context, exec pipeline.Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return errors.Wrap(err, "marshal execution")
	}
	now := time.Now().UTC().UnixNano()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pipectl_runs (execution_id, pipeline_id, status, trigger_source, branch, commit_sha, created_at_ns, updated_at_ns, execution_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(execution_id) DO UPDATE SET
  status = excluded.status,
  updated_at_ns = excluded.updated_at_ns,
  execution_json = excluded.execution_json;`,
		exec.ExecutionID, exec.PipelineID, string(exec.Status), exec.Trigger,
		exec.Branch, exec.Commit, now, now, string(payload))
	return errors.Wrap(err, "record execution")
}

// ObserveRunEvent appends one run event row. Failures are dropped; event
// persistence is best effort and must never stall the scheduler.
func (s *Store) ObserveRunEvent(ev pipeline.RunEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = s.db.ExecContext(ctx, `
INSERT INTO pipectl_run_events (execution_id, ts_ns, stage, type, attempt, message)
VALUES (?, ?, ?, ?, ?, ?);`,
		ev.ExecutionID, ev.TS.UTC().UnixNano(), ev.Stage, string(ev.Type), ev.Attempt, ev.Message)
}

// ListRuns returns up to limit retained runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT execution_json, created_at_ns, updated_at_ns
FROM pipectl_runs ORDER BY created_at_ns DESC, execution_id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var payload string
		var createdNS, updatedNS int64
		if err := rows.Scan(&payload, &createdNS, &updatedNS); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		var exec pipeline.Execution
		if err := json.Unmarshal([]byte(payload), &exec); err != nil {
			return nil, errors.Wrap(err, "decode execution")
		}
		out = append(out, Run{
			Execution: exec,
			CreatedAt: time.Unix(0, createdNS).UTC(),
			UpdatedAt: time.Unix(0, updatedNS).UTC(),
		})
	}
	return out, errors.Wrap(rows.Err(), "list runs")
}

// GetRun loads one retained run by execution id.
func (s *Store) GetRun(ctx context.Context, executionID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT execution_json, created_at_ns, updated_at_ns
FROM pipectl_runs WHERE execution_id = ?;`, executionID)

	var payload string
	var createdNS, updatedNS int64
	if err := row.Scan(&payload, &createdNS, &updatedNS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pipeline.ErrExecutionNotFound
		}
		return nil, errors.Wrap(err, "get run")
	}
	var exec pipeline.Execution
	if err := json.Unmarshal([]byte(payload), &exec); err != nil {
		return nil, errors.Wrap(err, "decode execution")
	}
	return &Run{
		Execution: exec,
		CreatedAt: time.Unix(0, createdNS).UTC(),
		UpdatedAt: time.Unix(0, updatedNS).UTC(),
	}, nil
}

// Events returns the persisted run events for one execution in emission
// order.
func (s *Store) Events(ctx context.Context, executionID string) ([]pipeline.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, ts_ns, stage, type, attempt, message
FROM pipectl_run_events WHERE execution_id = ? ORDER BY id ASC;`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []pipeline.RunEvent
	for rows.Next() {
		var ev pipeline.RunEvent
		var tsNS int64
		var typ string
		if err := rows.Scan(&ev.Seq, &tsNS, &ev.Stage, &typ, &ev.Attempt, &ev.Message); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.ExecutionID = executionID
		ev.TS = time.Unix(0, tsNS).UTC()
		ev.Type = pipeline.RunEventType(typ)
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "list events")
}

// Prune deletes runs (and their events) beyond keep, oldest first.
func (s *Store) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
DELETE FROM pipectl_run_events WHERE execution_id IN (
  SELECT execution_id FROM pipectl_runs
  ORDER BY created_at_ns DESC, execution_id DESC LIMIT -1 OFFSET ?);`, keep)
	if err != nil {
		return errors.Wrap(err, "prune events")
	}
	_, err = s.db.ExecContext(ctx, `
DELETE FROM pipectl_runs WHERE execution_id IN (
  SELECT execution_id FROM pipectl_runs
  ORDER BY created_at_ns DESC, execution_id DESC LIMIT -1 OFFSET ?);`, keep)
	return errors.Wrap(err, "prune runs")
}
