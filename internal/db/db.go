package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Process and transport events.
const (
	EventProcessStarted      = "process.started"
	EventChannelConnected    = "channel.connected"
	EventChannelDisconnected = "channel.disconnected"
	EventBroadcastSent       = "broadcast.sent"
)

// Message pipeline events.
const (
	EventMessageReceived     = "message.received"
	EventTurnPersisted       = "turn.persisted"
	EventTurnPersistFailed   = "turn.persist_failed"
	EventContextAssembled    = "context.assembled"
	EventCompletionCompleted = "completion.completed"
	EventCompletionFailed    = "completion.failed"
	EventActionDispatched    = "action.dispatched"
	EventActionFailed        = "action.failed"
	EventReplyDelivered      = "reply.delivered"
	EventRetryScheduled      = "retry.scheduled"
	EventCircuitOpened       = "circuit.opened"
	EventCircuitHalfOpen     = "circuit.half_open"
	EventCircuitClosed       = "circuit.closed"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database for inspection tools.
func OpenReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db %s: %w", path, err)
	}
	return db, nil
}

// InitSchema creates all tables: events, history.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type_id ON events(event_type, id);

		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_user_id_id ON history(user_id, id);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// EventLog adapts a database handle to the recorder interfaces used by
// the hub and the session coordinator.
type EventLog struct {
	DB *sql.DB
}

func (l *EventLog) LogEvent(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	return LogEvent(l.DB, parentID, eventType, payload)
}
