package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextMutex_MutualExclusion(t *testing.T) {
	var m ContextMutex
	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background())
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestContextMutex_DeadlineWhileHeld(t *testing.T) {
	m := NewContextMutex()
	unlock := m.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.LockContext(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	unlock()

	unlock2, err := m.LockContext(context.Background())
	require.NoError(t, err)
	unlock2()
}

func TestContextMutex_FreeLockWinsOverCancelledContext(t *testing.T) {
	m := NewContextMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	unlock, err := m.LockContext(ctx)
	require.NoError(t, err)
	unlock()
}

func TestContextMutex_TryLock(t *testing.T) {
	m := NewContextMutex()

	unlock, ok := m.TryLock()
	require.True(t, ok)

	_, ok = m.TryLock()
	assert.False(t, ok)

	unlock()
	unlock, ok = m.TryLock()
	require.True(t, ok)
	unlock()
}

func TestContextMutex_DoubleUnlockPanics(t *testing.T) {
	m := NewContextMutex()
	unlock := m.Lock()
	unlock()
	assert.Panics(t, unlock)
}

func TestShardedMutex_SameKeySerializes(t *testing.T) {
	var s ShardedMutex
	var counter int64
	var wg sync.WaitGroup

	wg.Add(50)
	for i := 0; i < 50; i++ {
		go func() {
			defer wg.Done()
			unlock := s.Lock("ip:10.0.0.1")
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), counter)
}

func TestShardIndex_Stable(t *testing.T) {
	a := ShardIndex("session:abc")
	assert.Equal(t, a, ShardIndex("session:abc"))
	assert.Less(t, a, uint32(shardCount))
}
