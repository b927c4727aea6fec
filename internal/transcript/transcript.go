// Package transcript persists completed conversation turns in SQLite. The
// journal is best-effort: the gateway logs write failures and keeps serving,
// so a broken disk degrades history durability but never a live turn.
package transcript

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Turn is one journaled conversation turn.
type Turn struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SQLite-backed turn journal.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers from blocking the write path.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			turn_id    TEXT NOT NULL,
			user_text      TEXT NOT NULL,
			assistant_text TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session_id
			ON turns(session_id);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_turn_id
			ON turns(session_id, turn_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddTurn records a completed turn. Re-journaling the same turn id replaces
// the previous row, matching the in-memory history's append-once contract.
func (s *Store) AddTurn(sessionID, turnID, user, assistant string) error {
	_, err := s.db.Exec(
		`INSERT INTO turns (session_id, turn_id, user_text, assistant_text)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, turn_id) DO UPDATE SET
		 	user_text = excluded.user_text,
		 	assistant_text = excluded.assistant_text`,
		sessionID, turnID, user, assistant,
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

// Turns returns a session's journaled turns, oldest first.
func (s *Store) Turns(sessionID string) ([]Turn, error) {
	rows, err := s.db.Query(
		`SELECT session_id, turn_id, user_text, assistant_text, created_at
		 FROM turns WHERE session_id = ? ORDER BY id ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.SessionID, &t.TurnID, &t.User, &t.Assistant, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
