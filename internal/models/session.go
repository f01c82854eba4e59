// Package models - Session admission data model.
// This file defines processing sessions and the read-only views handed to clients.
//
// Lifecycle:
// - A session is created either active (capacity available) or waiting (queued)
// - Waiting sessions are promoted in strict FIFO order when capacity frees up
// - Sessions are removed explicitly, by inactivity expiry, or by an administrative reset
package models

import (
	"time"
)

// Session states
const (
	SessionStatusWaiting = "waiting"
	SessionStatusActive  = "active"
)

// Session is a single client's claim on the processing pool.
//
// QueuePosition is 1-based and only meaningful while Status is waiting; it is
// zero for active sessions. ActivatedAt is set once, when the session becomes
// active.
type Session struct {
	ID             string     `json:"session_id"`
	OwnerID        string     `json:"user_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity"`
	Status         string     `json:"status"`
	QueuePosition  int        `json:"queue_position,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
}

func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

func (s *Session) IsWaiting() bool {
	return s.Status == SessionStatusWaiting
}

// Clone returns a detached copy safe to hand out of the admission lock.
func (s *Session) Clone() *Session {
	c := *s
	if s.ActivatedAt != nil {
		at := *s.ActivatedAt
		c.ActivatedAt = &at
	}
	return &c
}

// SessionStatus is a point-in-time view of one session plus pool occupancy.
// EstimatedWaitTime is in seconds and only set for waiting sessions.
type SessionStatus struct {
	Session
	ActiveUsersCount  int `json:"active_users_count"`
	EstimatedWaitTime int `json:"estimated_wait_time,omitempty"`
}

// QueueStatus summarizes pool occupancy.
type QueueStatus struct {
	ActiveSessions     int `json:"active_sessions"`
	MaxConcurrentUsers int `json:"max_concurrent_users"`
	WaitingQueueLength int `json:"waiting_queue_length"`
	AvailableSlots     int `json:"available_slots"`
}

// Session lifecycle transitions reported to listeners.
const (
	SessionEventCreated  = "session_created"
	SessionEventQueued   = "session_queued"
	SessionEventPromoted = "session_promoted"
	SessionEventExpired  = "session_expired"
	SessionEventRemoved  = "session_removed"
	SessionEventReset    = "sessions_reset"
)

// SessionEvent describes one transition. For resets SessionID is empty and
// Count holds the number of sessions cleared.
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	OwnerID   string    `json:"user_id,omitempty"`
	Position  int       `json:"queue_position,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
