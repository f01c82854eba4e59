package storage

import (
	"context"
	"path/filepath"
	"testing"

	"chemgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteTestStore(t *testing.T) (*SQLiteEventStore, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "events.db")
	store, err := NewSQLiteEventStore(context.Background(), models.DatabaseConfig{DSN: dsn})
	require.NoError(t, err)
	return store, dsn
}

func TestSQLiteEventStore(t *testing.T) {
	store, _ := newSQLiteTestStore(t)
	defer store.Close()
	testEventStore(t, store)
}

func TestSQLiteEventStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store, dsn := newSQLiteTestStore(t)

	require.NoError(t, store.Append(ctx, newEvent("e1", models.SessionEventCreated, "s1", 0)))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteEventStore(ctx, models.DatabaseConfig{DSN: dsn})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.List(ctx, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
}

func TestSQLiteEventStore_DuplicateID(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteTestStore(t)
	defer store.Close()

	require.NoError(t, store.Append(ctx, newEvent("dup", "k", "", 0)))
	assert.Error(t, store.Append(ctx, newEvent("dup", "k", "", 0)))
}

func TestSQLiteEventStore_RequiresDSN(t *testing.T) {
	_, err := NewSQLiteEventStore(context.Background(), models.DatabaseConfig{})
	assert.Error(t, err)
}
