// Package history is an optional, additive audit store for session
// lifecycle records: when configured with a database URL it persists one
// row per session (command, exit status, timestamps) after the fact. It
// sits off the hot path — nothing in session/registry/ipc depends on it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	*sql.DB
}

// Open connects to databaseURL and runs migrations. An empty URL is a
// caller error, not silently tolerated: the caller decides whether history
// is enabled at all before calling Open.
func Open(databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("history: database URL is required")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	s := &Store{db}
	if err := s.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.Exec(`
		CREATE TABLE IF NOT EXISTS session_history (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			command_json TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			pid INTEGER,
			cols INTEGER,
			rows INTEGER,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			exit_code INTEGER,
			exit_signal TEXT
		)`)
	if err != nil {
		return err
	}
	_, err = s.Exec(`CREATE INDEX IF NOT EXISTS idx_session_history_started_at ON session_history(started_at)`)
	return err
}

// Created records a session at creation time, before anything is known
// about how it ends.
func (s *Store) Created(ctx context.Context, id, name string, command []string, cwd string, pid int, cols, rows int, startedAt time.Time) error {
	cmdJSON, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("history: marshal command: %w", err)
	}
	_, err = s.ExecContext(ctx, `
		INSERT INTO session_history (id, name, command_json, cwd, pid, cols, rows, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, id, name, string(cmdJSON), cwd, pid, cols, rows, startedAt)
	return err
}

// Exited records the terminal state of a session once its reaper fires.
func (s *Store) Exited(ctx context.Context, id string, code int, signal string, endedAt time.Time) error {
	_, err := s.ExecContext(ctx, `
		UPDATE session_history SET exit_code = $2, exit_signal = $3, ended_at = $4
		WHERE id = $1
	`, id, code, signal, endedAt)
	return err
}

// Record is one row of session_history.
type Record struct {
	ID         string
	Name       string
	Command    []string
	CWD        string
	PID        int
	Cols, Rows int
	StartedAt  time.Time
	EndedAt    sql.NullTime
	ExitCode   sql.NullInt32
	ExitSignal sql.NullString
}

// Recent returns the most recently started sessions, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, name, command_json, cwd, pid, cols, rows, started_at, ended_at, exit_code, exit_signal
		FROM session_history ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var cmdJSON string
		if err := rows.Scan(&r.ID, &r.Name, &cmdJSON, &r.CWD, &r.PID, &r.Cols, &r.Rows, &r.StartedAt, &r.EndedAt, &r.ExitCode, &r.ExitSignal); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(cmdJSON), &r.Command); err != nil {
			return nil, fmt.Errorf("history: unmarshal command: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
