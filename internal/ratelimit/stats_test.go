package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStatsStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatsStore()

	require.NoError(t, store.Record(ctx, StatsEvent{ClientID: "ip:a", Category: CategoryUpload, Allowed: true}))
	require.NoError(t, store.Record(ctx, StatsEvent{ClientID: "ip:a", Category: CategoryUpload, Allowed: false}))
	require.NoError(t, store.Record(ctx, StatsEvent{ClientID: "ip:b", Category: CategoryOCSR, Allowed: true}))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counters{Allowed: 2, Denied: 1}, snap.Total)
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, snap.ByCategory[CategoryUpload])
	assert.Equal(t, Counters{Allowed: 1}, snap.ByCategory[CategoryOCSR])

	// Client tracking is off by default.
	assert.Empty(t, store.ByClient())

	// Snapshots are copies.
	snap.ByCategory[CategoryUpload] = Counters{}
	again, _ := store.Snapshot(ctx)
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, again.ByCategory[CategoryUpload])
}

func TestMemoryStatsStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatsStore(WithTrackClients(true))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = store.Record(ctx, StatsEvent{ClientID: "ip:x", Category: CategoryDefault, Allowed: j%2 == 0})
			}
		}()
	}
	wg.Wait()

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counters{Allowed: 500, Denied: 500}, snap.Total)
	assert.Equal(t, Counters{Allowed: 500, Denied: 500}, store.ByClient()["ip:x"])
}

// newTestRedis connects to REDIS_TEST_ADDR or skips.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStatsStore(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	prefix := "chemgate:test:" + uuid.NewString()
	t.Cleanup(func() {
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})

	store := NewRedisStatsStore(rdb, WithStatsPrefix(prefix+":"), WithStatsTTL(time.Minute))
	at := time.Date(2026, 6, 1, 10, 15, 30, 0, time.UTC)

	require.NoError(t, store.Record(ctx, StatsEvent{Category: CategoryUpload, Allowed: true, At: at}))
	require.NoError(t, store.Record(ctx, StatsEvent{Category: CategoryUpload, Allowed: false, At: at}))
	require.NoError(t, store.Record(ctx, StatsEvent{Category: CategoryHeartbeat, Allowed: true, At: at.Add(time.Minute)}))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counters{Allowed: 2, Denied: 1}, snap.Total)
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, snap.ByCategory[CategoryUpload])
	assert.Equal(t, Counters{Allowed: 1}, snap.ByCategory[CategoryHeartbeat])

	minute, err := store.Minute(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, minute)

	ttl, err := rdb.TTL(ctx, prefix+":minute:202606011015").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	empty, err := store.Minute(ctx, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Counters{}, empty)
}

func TestRedisStatsStore_EmptySnapshot(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewRedisStatsStore(rdb, WithStatsPrefix("chemgate:test:"+uuid.NewString()))

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counters{}, snap.Total)
	assert.Empty(t, snap.ByCategory)
}
