package gridmap

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// EventLog is an append-only SQLite record of every reading applied to a
// grid. Replaying it in order onto a fresh grid rebuilds the beliefs.
type EventLog struct {
	db *sql.DB
}

// LoggedEvent is one row of the event log.
type LoggedEvent struct {
	Seq        int64
	SensorEvent
	RecordedAt time.Time
}

// OpenEventLog opens (creating if needed) the event log at path.
func OpenEventLog(path string) (*EventLog, error) {
	if path == "" {
		return nil, fmt.Errorf("empty event log path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initEventLog(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &EventLog{db: db}, nil
}

func initEventLog(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			reading TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("init event log: %w", err)
		}
	}
	return nil
}

// Append records events in one transaction, in order.
func (l *EventLog) Append(ctx context.Context, events []SensorEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (x, y, reading, recorded_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.X, ev.Y, ev.Reading.String(), now); err != nil {
			return fmt.Errorf("append event %v: %w", ev.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

// Events returns every logged event with seq > after, oldest first.
func (l *EventLog) Events(ctx context.Context, after int64) ([]LoggedEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, x, y, reading, recorded_at FROM events WHERE seq > ? ORDER BY seq`, after)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []LoggedEvent
	for rows.Next() {
		var (
			ev       LoggedEvent
			reading  string
			recorded int64
		)
		if err := rows.Scan(&ev.Seq, &ev.X, &ev.Y, &reading, &recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.Reading, err = ParseReading(reading); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		ev.RecordedAt = time.UnixMilli(recorded)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// Count returns the number of logged events.
func (l *EventLog) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Truncate deletes every logged event.
func (l *EventLog) Truncate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("truncate events: %w", err)
	}
	return nil
}

// Replay applies every logged event to g in order and returns how many
// were read. Events the grid rejects are reported in the returned error;
// the rest are still applied.
func (l *EventLog) Replay(ctx context.Context, g *Grid) (int, error) {
	logged, err := l.Events(ctx, 0)
	if err != nil {
		return 0, err
	}
	events := make([]SensorEvent, len(logged))
	for i, ev := range logged {
		events[i] = ev.SensorEvent
	}
	return len(events), g.ApplyEvents(ctx, events)
}

// Close closes the database.
func (l *EventLog) Close() error {
	return l.db.Close()
}
