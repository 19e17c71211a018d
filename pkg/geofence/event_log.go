package geofence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/markus-lassfolk/safetrack/pkg/logx"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultEventLogLimit is the number of events kept long term
const DefaultEventLogLimit = 50

// EventLog is the long-term geofence event log stored in SQLite
type EventLog struct {
	db     *sql.DB
	path   string
	limit  int
	logger *logx.Logger
}

// OpenEventLog opens (or creates) the log at path. limit <= 0 uses
// DefaultEventLogLimit.
func OpenEventLog(path string, limit int, logger *logx.Logger) (*EventLog, error) {
	if limit <= 0 {
		limit = DefaultEventLogLimit
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	// a single connection keeps :memory: databases shared across calls
	db.SetMaxOpenConns(1)

	l := &EventLog{db: db, path: path, limit: limit, logger: logger}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event log: %w", err)
	}

	logger.Info("Geofence event log opened", "path", path, "limit", limit)
	return l, nil
}

func (l *EventLog) initialize() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS geofence_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		safe_zone_id TEXT NOT NULL,
		safe_zone_name TEXT NOT NULL,
		entered_at INTEGER NOT NULL,
		left_at INTEGER,
		is_active BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_geofence_events_active ON geofence_events(is_active);
	`)
	return err
}

// Record inserts a new event or updates the stored copy of an existing one,
// then evicts the oldest rows beyond the limit.
func (l *EventLog) Record(ev GeofenceEvent) error {
	var leftAt interface{}
	if ev.LeftAt != nil {
		leftAt = ev.LeftAt.UnixMilli()
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if ev.IsActive {
		// the store mirrors the single-active rule of the engine
		if _, err := tx.Exec(`UPDATE geofence_events SET is_active = FALSE WHERE is_active = TRUE AND id <> ?`, ev.ID); err != nil {
			return fmt.Errorf("failed to close previous events: %w", err)
		}
	}

	_, err = tx.Exec(`
	INSERT INTO geofence_events (id, safe_zone_id, safe_zone_name, entered_at, left_at, is_active)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET left_at = excluded.left_at, is_active = excluded.is_active`,
		ev.ID, ev.SafeZoneID, ev.SafeZoneName, ev.EnteredAt.UnixMilli(), leftAt, ev.IsActive)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	res, err := tx.Exec(`
	DELETE FROM geofence_events WHERE seq NOT IN (
		SELECT seq FROM geofence_events ORDER BY seq DESC LIMIT ?
	)`, l.limit)
	if err != nil {
		return fmt.Errorf("failed to evict old events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		l.logger.Debug("Evicted old geofence events", "count", n)
	}
	return nil
}

// Recent returns up to limit events, newest first
func (l *EventLog) Recent(limit int) ([]GeofenceEvent, error) {
	if limit <= 0 || limit > l.limit {
		limit = l.limit
	}

	rows, err := l.db.Query(`
	SELECT id, safe_zone_id, safe_zone_name, entered_at, left_at, is_active
	FROM geofence_events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []GeofenceEvent
	for rows.Next() {
		var ev GeofenceEvent
		var enteredAt int64
		var leftAt sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.SafeZoneID, &ev.SafeZoneName, &enteredAt, &leftAt, &ev.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.EnteredAt = time.UnixMilli(enteredAt)
		if leftAt.Valid {
			t := time.UnixMilli(leftAt.Int64)
			ev.LeftAt = &t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Count returns the number of stored events
func (l *EventLog) Count() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM geofence_events`).Scan(&n)
	return n, err
}

// Close closes the database
func (l *EventLog) Close() error {
	return l.db.Close()
}
