// Package history stores per-conversation transcripts for the stateful
// model provider, which replays prior turns on every request.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one stored turn.
type Entry struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is a SQLite transcript store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the transcript database at dbPath.
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
	CREATE TABLE IF NOT EXISTS turns (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id);
	`)
	return err
}

// Append adds a turn to a conversation.
func (s *Store) Append(conversationID, role, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO turns (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append to %s: %w", conversationID, err)
	}
	return nil
}

// Messages returns the last limit turns of a conversation, oldest
// first. limit <= 0 returns every turn.
func (s *Store) Messages(conversationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.Query(
		`SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM turns
			WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", conversationID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.Role, &e.Content, &created); err != nil {
			return nil, fmt.Errorf("scan %s: %w", conversationID, err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reset deletes a conversation's transcript.
func (s *Store) Reset(conversationID string) error {
	if _, err := s.db.Exec(`DELETE FROM turns WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("reset %s: %w", conversationID, err)
	}
	return nil
}
