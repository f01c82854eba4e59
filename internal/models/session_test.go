package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Clone(t *testing.T) {
	at := time.Now()
	s := &Session{ID: "s1", Status: SessionStatusActive, ActivatedAt: &at}

	c := s.Clone()
	require.NotNil(t, c.ActivatedAt)
	assert.Equal(t, s.ID, c.ID)
	assert.NotSame(t, s.ActivatedAt, c.ActivatedAt)

	c.Status = SessionStatusWaiting
	assert.True(t, s.IsActive())
	assert.True(t, c.IsWaiting())
}

func TestAuditEvent_DetailJSON(t *testing.T) {
	e := &AuditEvent{Kind: SessionEventCreated}

	raw, err := e.DetailJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", raw)

	e.Detail = map[string]string{"status": "active"}
	raw, err = e.DetailJSON()
	require.NoError(t, err)

	var decoded AuditEvent
	require.NoError(t, decoded.SetDetailJSON(raw))
	assert.Equal(t, "active", decoded.Detail["status"])

	require.NoError(t, decoded.SetDetailJSON("{}"))
	assert.Nil(t, decoded.Detail)

	assert.Error(t, decoded.SetDetailJSON("{not json"))
}
