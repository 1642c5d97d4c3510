// Package usage keeps a persistent ledger of model token consumption so
// the base-model providers can be accounted per route keyword and model.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is the token usage of one model call.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Provider       string    `json:"provider"` // route keyword: model, goldfish
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
}

// Summary holds aggregated totals.
type Summary struct {
	Requests     int   `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (s *Summary) add(in, out int64) {
	s.Requests++
	s.InputTokens += in
	s.OutputTokens += out
}

// Store is an append-only SQLite ledger. Timestamps are kept as Unix
// milliseconds; every query window is half-open, [start, end).
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage ledger: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS model_calls (
		id              TEXT PRIMARY KEY,
		at_ms           INTEGER NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		provider        TEXT NOT NULL,
		model           TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL DEFAULT 0,
		output_tokens   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_model_calls_at ON model_calls(at_ms);
	`)
	return err
}

// Record appends rec, assigning a UUIDv7 and the current time when they
// are unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO model_calls (id, at_ms, conversation_id, provider, model, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.ConversationID,
		rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens,
	); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Summary totals every call in [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	var sum Summary
	err := s.scan(ctx, "", start, end, func(_ string, in, out int64) {
		sum.add(in, out)
	})
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// SummaryByProvider totals calls in [start, end) per route keyword.
func (s *Store) SummaryByProvider(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "provider", start, end)
}

// SummaryByModel totals calls in [start, end) per model name.
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "model", start, end)
}

func (s *Store) grouped(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	out := make(map[string]*Summary)
	err := s.scan(ctx, column, start, end, func(key string, in, outTokens int64) {
		sum, ok := out[key]
		if !ok {
			sum = &Summary{}
			out[key] = sum
		}
		sum.add(in, outTokens)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scan walks the calls in the window and hands each one to fn, keyed by
// column ("" means no key). column is always a literal from this file.
func (s *Store) scan(ctx context.Context, column string, start, end time.Time, fn func(key string, in, out int64)) error {
	key := "''"
	if column != "" {
		key = column
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+key+`, input_tokens, output_tokens FROM model_calls WHERE at_ms >= ? AND at_ms < ?`,
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k       string
			in, out int64
		)
		if err := rows.Scan(&k, &in, &out); err != nil {
			return fmt.Errorf("scan usage: %w", err)
		}
		fn(k, in, out)
	}
	return rows.Err()
}
