package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

// MemoryPath opens an in-memory SQLite database.
const MemoryPath = ":memory:"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS analytics_events (
    insert_id        TEXT PRIMARY KEY,
    event_type       TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    device_id        TEXT NOT NULL,
    session_id       INTEGER NOT NULL,
    instance_name    TEXT NOT NULL DEFAULT '',
    event_time_ms    INTEGER NOT NULL,
    event_properties TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(event_properties)),
    user_properties  TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(user_properties))
);
CREATE INDEX IF NOT EXISTS idx_analytics_events_time ON analytics_events(event_time_ms DESC);
CREATE INDEX IF NOT EXISTS idx_analytics_events_type ON analytics_events(event_type);
`

// SQLite stores events in a local database file. Duplicate insert ids are ignored.
// All methods are safe for concurrent use.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
	mu  sync.Mutex
}

// OpenSQLite opens or creates the database at path and migrates it.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := path
	if path == MemoryPath {
		// Shared cache so every pooled connection sees the same database.
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLite{db: db, log: logger.Named("store.sqlite")}, nil
}

// Write inserts the batch in one transaction.
func (s *SQLite) Write(ctx context.Context, batch schemas.Batch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO analytics_events (
			insert_id, event_type, user_id, device_id, session_id,
			instance_name, event_time_ms, event_properties, user_properties
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(insert_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, d := range batch.Events {
		props, err := encodeProperties(d.Properties)
		if err != nil {
			return fmt.Errorf("failed to encode properties of event %s: %w", d.InsertID, err)
		}
		userProps, err := encodeProperties(d.UserProperties)
		if err != nil {
			return fmt.Errorf("failed to encode user properties of event %s: %w", d.InsertID, err)
		}
		res, err := stmt.ExecContext(ctx,
			d.InsertID, d.EventType, d.UserID, d.DeviceID, d.SessionID,
			d.InstanceName, eventTime(d).UnixMilli(), string(props), string(userProps))
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", d.InsertID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Stored event batch.", zap.Int("events", len(batch.Events)), zap.Int("inserted", inserted))
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *SQLite) RecentEvents(ctx context.Context, limit int) ([]schemas.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT insert_id, event_type, user_id, device_id, session_id,
		       instance_name, event_time_ms, event_properties, user_properties
		FROM analytics_events
		ORDER BY event_time_ms DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []schemas.Delivery
	for rows.Next() {
		var (
			d          schemas.Delivery
			millis     int64
			eventProps string
			userProps  string
		)
		if err := rows.Scan(&d.InsertID, &d.EventType, &d.UserID, &d.DeviceID, &d.SessionID,
			&d.InstanceName, &millis, &eventProps, &userProps); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := fillDelivery(&d, time.UnixMilli(millis), []byte(eventProps), []byte(userProps)); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Count returns the number of stored events.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analytics_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
