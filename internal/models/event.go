package models

import (
	"encoding/json"
	"time"
)

// Audit event kinds in addition to the session lifecycle kinds.
const (
	AuditKindRateLimitViolation = "rate_limit_violation"
)

// AuditEvent is one entry in the operator-facing event log. Subject is a session
// id for lifecycle events and a client id for rate limit violations.
type AuditEvent struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Subject   string            `json:"subject,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// DetailJSON encodes Detail for column storage. A nil map encodes as "{}".
func (e *AuditEvent) DetailJSON() (string, error) {
	if len(e.Detail) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(e.Detail)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SetDetailJSON is the inverse of DetailJSON.
func (e *AuditEvent) SetDetailJSON(raw string) error {
	if raw == "" || raw == "{}" {
		e.Detail = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), &e.Detail)
}

// EventFilter narrows event listing. Zero values mean no constraint.
type EventFilter struct {
	Kind    string
	Subject string
	Since   time.Time
	Limit   int
}
