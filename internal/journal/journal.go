// Package journal records coordinator events (confirmed transmissions,
// session transitions, logout outcomes) in a local append-only SQLite table
// for diagnostics. Journal failures are logged and dropped; the coordinator
// never blocks on its own diagnostics.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// EventType identifies a journaled event.
type EventType string

const (
	EventTelemetrySent     EventType = "telemetry_sent"
	EventSessionTransition EventType = "session_transition"
	EventSoftWarning       EventType = "soft_warning"
	EventLogoutCompleted   EventType = "logout_completed"
	EventGuardTeardown     EventType = "guard_teardown"
)

// Event is one journal row.
type Event struct {
	ID        int64
	Type      EventType
	Timestamp time.Time
	Payload   json.RawMessage
}

// Journal is a SQLite-backed append-only event log.
type Journal struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates (or opens) the journal database. Use ":memory:" in tests.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	// A single connection keeps writes serialized and makes ":memory:" behave,
	// since every pooled connection would otherwise get its own database.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_event_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_timestamp ON events(timestamp);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Append records one event. payload may be any JSON-marshalable value or nil.
func (j *Journal) Append(ctx context.Context, eventType EventType, payload any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}

	_, err := j.db.ExecContext(ctx,
		"INSERT INTO events (event_type, timestamp, payload) VALUES (?, ?, ?)",
		string(eventType), time.Now().UnixMilli(), data,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit most-recent events, newest first. An empty
// eventType matches all types.
func (j *Journal) Recent(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, event_type, timestamp, payload FROM events"
	args := []any{}
	if eventType != "" {
		query += " WHERE event_type = ?"
		args = append(args, string(eventType))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Range returns events within [start, end), oldest first.
func (j *Journal) Range(ctx context.Context, start, end time.Time) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, event_type, timestamp, payload FROM events WHERE timestamp >= ? AND timestamp < ? ORDER BY id",
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			tsMilli int64
			payload []byte
		)
		if err := rows.Scan(&e.ID, &typ, &tsMilli, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = EventType(typ)
		e.Timestamp = time.UnixMilli(tsMilli)
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
