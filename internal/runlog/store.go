// Package runlog keeps a durable journal of agent-service runs: when
// each was submitted, how it ended, and how many tool calls were
// answered along the way. It backs the run listing commands and API
// endpoints; the orchestrator writes to it through its Journal
// interface.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/switchboard/internal/agentsvc"
	"github.com/nugget/switchboard/internal/orchestrator"
)

// timeFormat is fixed-width so timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Run is one journaled run.
type Run struct {
	RunID       string     `json:"run_id"`
	ThreadID    string     `json:"thread_id"`
	AgentID     string     `json:"agent_id"`
	Status      string     `json:"status"`
	Detail      string     `json:"detail,omitempty"`
	Approvals   int        `json:"approvals"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Store is a SQLite run journal. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

var _ orchestrator.Journal = (*Store)(nil)

// NewStore opens (creating if needed) the journal at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		run_id       TEXT PRIMARY KEY,
		thread_id    TEXT NOT NULL,
		agent_id     TEXT NOT NULL,
		status       TEXT NOT NULL,
		detail       TEXT NOT NULL DEFAULT '',
		approvals    INTEGER NOT NULL DEFAULT 0,
		submitted_at TEXT NOT NULL,
		finished_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_submitted ON runs(submitted_at);
	`)
	return err
}

// RunSubmitted records a new run. A run ID seen before is overwritten.
func (s *Store) RunSubmitted(ctx context.Context, rec orchestrator.RunRecord) error {
	submitted := rec.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, thread_id, agent_id, status, submitted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE
		 SET thread_id = excluded.thread_id, agent_id = excluded.agent_id,
		     status = excluded.status, submitted_at = excluded.submitted_at,
		     detail = '', approvals = 0, finished_at = NULL`,
		rec.RunID, rec.ThreadID, rec.AgentID, string(rec.Status),
		submitted.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}
	return nil
}

// RunFinished records how a run ended.
func (s *Store) RunFinished(ctx context.Context, runID string, status agentsvc.RunStatus, detail string, approvals int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, detail = ?, approvals = ?, finished_at = ?
		 WHERE run_id = ?`,
		string(status), detail, approvals, time.Now().UTC().Format(timeFormat), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: not journaled", runID)
	}
	return nil
}

// Get returns one run, or nil if it is not journaled.
func (s *Store) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, thread_id, agent_id, status, detail, approvals, submitted_at, finished_at
		 FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT run_id, thread_id, agent_id, status, detail, approvals, submitted_at, finished_at
		 FROM runs ORDER BY submitted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var submitted string
	var finished sql.NullString
	if err := sc.Scan(&r.RunID, &r.ThreadID, &r.AgentID, &r.Status, &r.Detail, &r.Approvals, &submitted, &finished); err != nil {
		return nil, err
	}
	r.SubmittedAt, _ = time.Parse(timeFormat, submitted)
	if finished.Valid {
		t, err := time.Parse(timeFormat, finished.String)
		if err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}
