package session

import "chemgate/internal/models"

// Listener receives lifecycle transitions. Each structural change (a create, a
// removal with its promotion, a sweep batch, a reset) is delivered as one call,
// after the admission lock has been released.
type Listener interface {
	SessionsChanged(events []models.SessionEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(events []models.SessionEvent)

func (f ListenerFunc) SessionsChanged(events []models.SessionEvent) {
	f(events)
}
