package storage

import (
	"errors"

	"chemgate/internal/models"
)

// ErrInvalidEvent is returned when an event is missing its id, kind or timestamp.
var ErrInvalidEvent = errors.New("invalid audit event")

// ErrClosed is returned by stores and recorders after Close.
var ErrClosed = errors.New("event store closed")

func validateEvent(ev *models.AuditEvent) error {
	if ev == nil || ev.ID == "" || ev.Kind == "" || ev.CreatedAt.IsZero() {
		return ErrInvalidEvent
	}
	return nil
}
