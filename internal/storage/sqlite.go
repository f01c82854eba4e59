package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chemgate/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events (created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events (kind, created_at);
`

// SQLiteEventStore keeps the audit log in a SQLite database file. created_at
// is stored as unix microseconds so ordering is numeric.
type SQLiteEventStore struct {
	db *sql.DB
}

// NewSQLiteEventStore opens (and if needed creates) the database at dsn.
func NewSQLiteEventStore(ctx context.Context, cfg models.DatabaseConfig) (*SQLiteEventStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteEventStore{db: db}, nil
}

func (s *SQLiteEventStore) Append(ctx context.Context, event *models.AuditEvent) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	detail, err := event.DetailJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, kind, subject, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.Kind, event.Subject, detail, event.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func sqliteSince(t time.Time) any { return t.UnixMicro() }

func (s *SQLiteEventStore) List(ctx context.Context, filter models.EventFilter) ([]*models.AuditEvent, error) {
	where, args := whereClause(filter, questionMark, sqliteSince)
	args = append(args, effectiveLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, subject, detail, created_at FROM audit_events`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0)
	for rows.Next() {
		var (
			id, kind, subject, detail string
			createdAt                 int64
		)
		if err := rows.Scan(&id, &kind, &subject, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev, err := eventFromRow(id, kind, subject, detail, time.UnixMicro(createdAt))
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func (s *SQLiteEventStore) Count(ctx context.Context, filter models.EventFilter) (int, error) {
	where, args := whereClause(filter, questionMark, sqliteSince)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *SQLiteEventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the storage connection
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}
