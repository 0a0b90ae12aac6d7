package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"etf_arb/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	ticker      TEXT,
	action      TEXT,
	quantity    INTEGER NOT NULL DEFAULT 0,
	price       TEXT,
	reason      TEXT,
	details     TEXT,
	event_time  TEXT NOT NULL,
	created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id, id);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);
`

// Journal persists audit events to SQLite
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenJournal opens (or creates) the journal database at path
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Write appends one event
func (j *Journal) Write(ctx context.Context, ev core.AuditEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO audit_events (session_id, kind, ticker, action, quantity, price, reason, details, event_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID,
		string(ev.Kind),
		ev.Ticker,
		ev.Action,
		ev.Quantity,
		ev.Price,
		ev.Reason,
		string(details),
		ev.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Events returns up to limit events of a session in write order
func (j *Journal) Events(ctx context.Context, sessionID string, limit int) ([]core.AuditEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, kind, ticker, action, quantity, price, reason, details, event_time
		 FROM audit_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []core.AuditEvent
	for rows.Next() {
		var (
			ev      core.AuditEvent
			kind    string
			details sql.NullString
			when    string
			ticker  sql.NullString
			action  sql.NullString
			price   sql.NullString
			reason  sql.NullString
		)
		if err := rows.Scan(&ev.SessionID, &kind, &ticker, &action, &ev.Quantity, &price, &reason, &details, &when); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Kind = core.AuditKind(kind)
		ev.Ticker, ev.Action, ev.Price, ev.Reason = ticker.String, action.String, price.String, reason.String
		if details.Valid && details.String != "" && details.String != "null" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		if ev.Time, err = time.Parse(time.RFC3339Nano, when); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the journal database
func (j *Journal) Close() error {
	return j.db.Close()
}
