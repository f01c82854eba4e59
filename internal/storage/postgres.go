package storage

import (
	"context"
	"fmt"
	"time"

	"chemgate/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	detail     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events (kind, created_at DESC);
`

// PostgresEventStore implements EventStore on a pgx connection pool.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore connects to cfg.DSN and ensures the schema exists.
func NewPostgresEventStore(ctx context.Context, cfg models.DatabaseConfig) (*PostgresEventStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 && cfg.MaxIdleConns <= int(poolCfg.MaxConns) {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresEventStore{pool: pool}, nil
}

func (ps *PostgresEventStore) Append(ctx context.Context, event *models.AuditEvent) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	detail, err := event.DetailJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal detail: %w", err)
	}

	_, err = ps.pool.Exec(ctx,
		`INSERT INTO audit_events (id, kind, subject, detail, created_at) VALUES ($1, $2, $3, $4::jsonb, $5)`,
		event.ID, event.Kind, event.Subject, detail, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func postgresSince(t time.Time) any { return t }

func (ps *PostgresEventStore) List(ctx context.Context, filter models.EventFilter) ([]*models.AuditEvent, error) {
	where, args := whereClause(filter, dollarN, postgresSince)
	args = append(args, effectiveLimit(filter.Limit))

	rows, err := ps.pool.Query(ctx,
		`SELECT id, kind, subject, detail::text, created_at FROM audit_events`+where+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.AuditEvent, error) {
		var (
			id, kind, subject, detail string
			createdAt                 time.Time
		)
		if err := row.Scan(&id, &kind, &subject, &detail, &createdAt); err != nil {
			return nil, err
		}
		return eventFromRow(id, kind, subject, detail, createdAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

func (ps *PostgresEventStore) Count(ctx context.Context, filter models.EventFilter) (int, error) {
	where, args := whereClause(filter, dollarN, postgresSince)
	var n int
	if err := ps.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (ps *PostgresEventStore) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

func (ps *PostgresEventStore) Close() error {
	ps.pool.Close()
	return nil
}
