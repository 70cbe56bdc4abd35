// Package store persists delivered analytics events in a database.
//
// Postgres and SQLite both implement analytics.Writer, so either can sit behind
// a BatchClient or inside a Fanout next to the HTTP writer.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventsTable is the table both stores write to.
const EventsTable = "analytics_events"

var eventColumns = []string{
	"insert_id", "event_type", "user_id", "device_id", "session_id",
	"instance_name", "event_time", "event_properties", "user_properties",
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS analytics_events (
    insert_id        TEXT PRIMARY KEY,
    event_type       TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    device_id        TEXT NOT NULL,
    session_id       BIGINT NOT NULL,
    instance_name    TEXT NOT NULL DEFAULT '',
    event_time       TIMESTAMPTZ NOT NULL,
    event_properties JSONB NOT NULL DEFAULT '{}',
    user_properties  JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_analytics_events_time ON analytics_events (event_time DESC);
CREATE INDEX IF NOT EXISTS idx_analytics_events_type ON analytics_events (event_type);
`

const postgresRecentQuery = `
SELECT insert_id, event_type, user_id, device_id, session_id, instance_name, event_time, event_properties, user_properties
FROM analytics_events
ORDER BY event_time DESC
LIMIT $1;
`

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Postgres writes event batches with COPY inside a transaction.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres wraps pool and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("store.postgres"),
	}, nil
}

// OpenPostgres connects to databaseURL, creates the schema and returns the store.
func OpenPostgres(ctx context.Context, databaseURL string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the events table and its indexes if they are missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Write copies every delivery of the batch in one transaction.
func (s *Postgres) Write(ctx context.Context, batch schemas.Batch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(batch.Events))
	for i, d := range batch.Events {
		row, err := eventRow(d)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{EventsTable}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}
	if int(copied) != len(rows) {
		return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(rows), copied)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Stored event batch.", zap.Int("events", len(rows)))
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Postgres) RecentEvents(ctx context.Context, limit int) ([]schemas.Delivery, error) {
	rows, err := s.pool.Query(ctx, postgresRecentQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []schemas.Delivery
	for rows.Next() {
		var (
			d              schemas.Delivery
			eventProps     []byte
			userProps      []byte
			eventTimestamp time.Time
		)
		if err := rows.Scan(&d.InsertID, &d.EventType, &d.UserID, &d.DeviceID, &d.SessionID,
			&d.InstanceName, &eventTimestamp, &eventProps, &userProps); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := fillDelivery(&d, eventTimestamp, eventProps, userProps); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Close releases the pool when it supports closing.
func (s *Postgres) Close() {
	if c, ok := s.pool.(interface{ Close() }); ok {
		c.Close()
	}
}

// eventRow flattens a delivery into the column order of eventColumns.
func eventRow(d schemas.Delivery) ([]interface{}, error) {
	props, err := encodeProperties(d.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties of event %s: %w", d.InsertID, err)
	}
	userProps, err := encodeProperties(d.UserProperties)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user properties of event %s: %w", d.InsertID, err)
	}
	return []interface{}{
		d.InsertID, d.EventType, d.UserID, d.DeviceID, d.SessionID,
		d.InstanceName, eventTime(d), props, userProps,
	}, nil
}

// eventTime prefers the exact timestamp and falls back to the millisecond field.
func eventTime(d schemas.Delivery) time.Time {
	if !d.Time.IsZero() {
		return d.Time.UTC()
	}
	return time.UnixMilli(d.TimeMillis).UTC()
}

func encodeProperties(p schemas.Properties) ([]byte, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// fillDelivery restores the fields that are stored in derived form.
func fillDelivery(d *schemas.Delivery, at time.Time, eventProps, userProps []byte) error {
	d.Time = at.UTC()
	d.TimeMillis = d.Time.UnixMilli()
	props, err := decodeProperties(eventProps)
	if err != nil {
		return fmt.Errorf("failed to decode properties of event %s: %w", d.InsertID, err)
	}
	d.Properties = props
	userProperties, err := decodeProperties(userProps)
	if err != nil {
		return fmt.Errorf("failed to decode user properties of event %s: %w", d.InsertID, err)
	}
	d.UserProperties = userProperties
	return nil
}

func decodeProperties(raw []byte) (schemas.Properties, error) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil, nil
	}
	var p schemas.Properties
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
