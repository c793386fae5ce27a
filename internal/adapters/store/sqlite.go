// Package store implements the persistence collaborator on SQLite:
// workflow records, design documents, and finished execution logs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ensemble-ai/ensemble/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	git_repo       TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'main',
	updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS designs (
	id         TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	design_id   TEXT NOT NULL,
	workflow_id TEXT,
	status      TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	event_log   BLOB
);

CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at DESC);
`

// SQLiteStore implements core.Store.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time interface conformance check.
var _ core.Store = (*SQLiteStore)(nil)

// Open opens (and migrates) the store at path. Use ":memory:" for tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	// modernc sqlite is single-writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetWorkflow implements core.Store.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, git_repo, default_branch FROM workflows WHERE id = ?`, id)
	var wf core.Workflow
	if err := row.Scan(&wf.ID, &wf.OwnerID, &wf.GitRepo, &wf.DefaultBranch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound("workflow", id)
		}
		return nil, core.ErrIO("querying workflow", err)
	}
	return &wf, nil
}

// SaveWorkflow implements core.Store.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, w *core.Workflow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, owner_id, git_repo, default_branch, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			git_repo = excluded.git_repo,
			default_branch = excluded.default_branch,
			updated_at = excluded.updated_at`,
		w.ID, w.OwnerID, w.GitRepo, w.DefaultBranch, time.Now())
	if err != nil {
		return core.ErrIO("saving workflow", err)
	}
	return nil
}

// SaveDesign implements core.Store.
func (s *SQLiteStore) SaveDesign(ctx context.Context, d *core.Design) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return core.ErrInternal("marshaling design", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO designs (id, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		d.ID, string(doc), time.Now())
	if err != nil {
		return core.ErrIO("saving design", err)
	}
	return nil
}

// GetDesign implements core.Store.
func (s *SQLiteStore) GetDesign(ctx context.Context, id string) (*core.Design, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document FROM designs WHERE id = ?`, id)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound("design", id)
		}
		return nil, core.ErrIO("querying design", err)
	}
	var d core.Design
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, core.ErrInternal("unmarshaling design", err)
	}
	return &d, nil
}

// SaveExecution implements core.Store.
func (s *SQLiteStore) SaveExecution(ctx context.Context, rec *core.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, design_id, workflow_id, status, started_at, finished_at, event_log)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			event_log = excluded.event_log`,
		rec.ID, rec.DesignID, rec.WorkflowID, string(rec.Status), rec.StartedAt, rec.FinishedAt, rec.EventLog)
	if err != nil {
		return core.ErrIO("saving execution", err)
	}
	return nil
}

// GetExecution implements core.Store.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*core.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, design_id, workflow_id, status, started_at, finished_at, event_log
		FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound("execution", id)
		}
		return nil, core.ErrIO("querying execution", err)
	}
	return rec, nil
}

// ListExecutions implements core.Store.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit int) ([]*core.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, design_id, workflow_id, status, started_at, finished_at, event_log
		FROM executions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, core.ErrIO("listing executions", err)
	}
	defer rows.Close()

	var out []*core.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, core.ErrIO("scanning execution", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, core.ErrIO("listing executions", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*core.ExecutionRecord, error) {
	var rec core.ExecutionRecord
	var workflowID sql.NullString
	var status string
	if err := row.Scan(&rec.ID, &rec.DesignID, &workflowID, &status,
		&rec.StartedAt, &rec.FinishedAt, &rec.EventLog); err != nil {
		return nil, err
	}
	rec.WorkflowID = workflowID.String
	rec.Status = core.ExecutionStatus(status)
	return &rec, nil
}
