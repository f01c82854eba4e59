package storage

import (
	"context"

	"chemgate/internal/models"
)

// EventStore defines the interface for the operator-facing audit event log.
// The log is append-only: events are never updated, and nothing reads them
// back to rebuild admission or rate limit state.
type EventStore interface {
	// Append stores one event. ID and CreatedAt must be set.
	Append(ctx context.Context, event *models.AuditEvent) error

	// List returns events matching filter, newest first. A zero Limit means
	// DefaultListLimit.
	List(ctx context.Context, filter models.EventFilter) ([]*models.AuditEvent, error)

	// Count returns how many events match filter, ignoring its Limit.
	Count(ctx context.Context, filter models.EventFilter) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// effectiveLimit clamps a requested limit into [1, MaxListLimit].
func effectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
