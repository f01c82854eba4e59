package storage

import (
	"fmt"
	"strings"
	"time"

	"chemgate/internal/models"
)

// whereClause renders the conditions of f. placeholder returns the bind
// marker for the nth (1-based) argument, "?" for SQLite and "$n" for
// PostgreSQL. since converts the Since bound into the column's representation.
func whereClause(f models.EventFilter, placeholder func(int) string, since func(time.Time) any) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, placeholder(len(args))))
	}

	if f.Kind != "" {
		add("kind = %s", f.Kind)
	}
	if f.Subject != "" {
		add("subject = %s", f.Subject)
	}
	if !f.Since.IsZero() {
		add("created_at >= %s", since(f.Since))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func questionMark(int) string { return "?" }

func dollarN(n int) string { return fmt.Sprintf("$%d", n) }

// eventFromRow assembles an event from its column values.
func eventFromRow(id, kind, subject, detail string, createdAt time.Time) (*models.AuditEvent, error) {
	ev := &models.AuditEvent{
		ID:        id,
		Kind:      kind,
		Subject:   subject,
		CreatedAt: createdAt.UTC(),
	}
	if err := ev.SetDetailJSON(detail); err != nil {
		return nil, fmt.Errorf("failed to unmarshal detail of event %s: %w", id, err)
	}
	return ev, nil
}
