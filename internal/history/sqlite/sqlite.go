package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/procguard/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS procguard_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			run_id TEXT,
			pid INTEGER,
			state TEXT,
			event_id INTEGER,
			event_key INTEGER,
			error_code INTEGER,
			scenario_id INTEGER,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_procguard_history_event_key ON procguard_history(event_key);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO procguard_history(occurred_at, type, source, run_id, pid, state, event_id, event_key, error_code, scenario_id, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), r.Source, r.RunID, r.PID, r.State,
		int64(r.EventID), int64(r.EventKey), int64(r.ErrorCode), int64(r.ScenarioID), r.Detail)
	return err
}

// Count returns the number of stored events of type t, or of all types when t is empty.
func (s *Sink) Count(ctx context.Context, t history.EventType) (int, error) {
	q := `SELECT COUNT(*) FROM procguard_history`
	var args []any
	if t != "" {
		q += ` WHERE type = ?`
		args = append(args, string(t))
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
