package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chemgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// uploadRuleConfig is {requests=5, window=60s, burst=2, penalty=30s}.
func uploadRuleConfig() models.RateLimitConfig {
	cfg := models.NewDefaultConfig().RateLimit
	cfg.Rules["upload"] = models.RateLimitRuleConfig{
		Requests: 5,
		Window:   60 * time.Second,
		Burst:    2,
		Penalty:  30 * time.Second,
	}
	return cfg
}

func newTestLimiter(cfg models.RateLimitConfig, opts ...Option) (*SlidingWindowLimiter, *fakeClock) {
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithLogger(quietLogger())}, opts...)
	return NewSlidingWindowLimiter(cfg, opts...), clock
}

func TestAllow_BurstThenDeny(t *testing.T) {
	limiter, clock := newTestLimiter(uploadRuleConfig())

	for i := 0; i < 7; i++ {
		d := limiter.Allow("ip:1.2.3.4", "/api/v1/upload")
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, ReasonWithinLimits, d.Reason)
		assert.Equal(t, 7-i-1, d.Remaining)
		assert.Equal(t, i+1, d.CurrentCount)
		clock.Advance(100 * time.Millisecond)
	}

	d := limiter.Allow("ip:1.2.3.4", "/api/v1/upload")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonExceeded, d.Reason)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
	assert.Equal(t, 30, d.RetryAfterSeconds())
	assert.Equal(t, 1, d.Violations)
	assert.Equal(t, 7, d.Limit)
	assert.Equal(t, 7, d.CurrentCount)
	assert.Equal(t, CategoryUpload, d.Category)
	assert.Equal(t, 60*time.Second, d.Window)
}

func TestAllow_PenaltyHoldsForExactDurationThenEscalates(t *testing.T) {
	limiter, clock := newTestLimiter(uploadRuleConfig())
	client := "session:abc"

	for i := 0; i < 7; i++ {
		require.True(t, limiter.Allow(client, "/upload").Allowed)
	}
	first := limiter.Allow(client, "/upload")
	require.False(t, first.Allowed)

	// Every request during the penalty is denied with the remaining time.
	clock.Advance(10 * time.Second)
	d := limiter.Allow(client, "/upload")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPenalty, d.Reason)
	assert.Equal(t, 20*time.Second, d.RetryAfter)
	assert.Equal(t, 1, d.Violations)

	// The penalty applies to every category, not only the one that tripped it.
	d = limiter.Allow(client, "/api/v1/session/queue")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPenalty, d.Reason)

	clock.Advance(19*time.Second + 999*time.Millisecond)
	d = limiter.Allow(client, "/upload")
	assert.Equal(t, ReasonPenalty, d.Reason)
	assert.Equal(t, 1, d.RetryAfterSeconds())

	// Penalty over: the window still holds seven fresh timestamps, so the
	// client trips again and the penalty doubles.
	clock.Advance(time.Millisecond)
	second := limiter.Allow(client, "/upload")
	assert.False(t, second.Allowed)
	assert.Equal(t, ReasonExceeded, second.Reason)
	assert.Equal(t, 2, second.Violations)
	assert.Equal(t, 60*time.Second, second.RetryAfter)
}

func TestAllow_PenaltyCappedAtConfiguredMultiplier(t *testing.T) {
	cfg := uploadRuleConfig()
	cfg.PenaltyCap = 3
	// A long window keeps the original burst inside it across every penalty.
	rule := cfg.Rules["upload"]
	rule.Window = time.Hour
	cfg.Rules["upload"] = rule
	limiter, clock := newTestLimiter(cfg)
	client := "ip:9.9.9.9"

	for i := 0; i < 7; i++ {
		limiter.Allow(client, "/upload")
	}

	var last Decision
	for i := 0; i < 5; i++ {
		last = limiter.Allow(client, "/upload")
		require.Equal(t, ReasonExceeded, last.Reason)
		clock.Advance(last.RetryAfter)
	}
	assert.Equal(t, 5, last.Violations)
	assert.Equal(t, 90*time.Second, last.RetryAfter)
}

func TestAllow_WindowSlides(t *testing.T) {
	limiter, clock := newTestLimiter(uploadRuleConfig())
	client := "ip:5.5.5.5"

	for i := 0; i < 7; i++ {
		require.True(t, limiter.Allow(client, "/upload").Allowed)
	}

	// Once the oldest timestamps leave the window there is room again.
	clock.Advance(61 * time.Second)
	d := limiter.Allow(client, "/upload")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.CurrentCount)
	assert.Equal(t, 6, d.Remaining)
	assert.Equal(t, clock.Now().Add(60*time.Second), d.ResetAt)
}

func TestAllow_CategoriesHaveIndependentWindows(t *testing.T) {
	limiter, _ := newTestLimiter(uploadRuleConfig())
	client := "ip:7.7.7.7"

	for i := 0; i < 7; i++ {
		require.True(t, limiter.Allow(client, "/upload").Allowed)
	}

	d := limiter.Allow(client, "/api/v1/ocsr/predict")
	assert.True(t, d.Allowed)
	assert.Equal(t, CategoryOCSR, d.Category)
	assert.Equal(t, 20, d.Limit)
}

func TestAllow_ClientsAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(uploadRuleConfig())

	for i := 0; i < 8; i++ {
		limiter.Allow("ip:1.1.1.1", "/upload")
	}
	assert.False(t, limiter.Allow("ip:1.1.1.1", "/upload").Allowed)
	assert.True(t, limiter.Allow("ip:2.2.2.2", "/upload").Allowed)
}

func TestAllow_Disabled(t *testing.T) {
	cfg := uploadRuleConfig()
	cfg.Enabled = false
	limiter, _ := newTestLimiter(cfg)

	for i := 0; i < 20; i++ {
		d := limiter.Allow("ip:1.1.1.1", "/upload")
		require.True(t, d.Allowed)
		assert.Equal(t, ReasonDisabled, d.Reason)
	}
	assert.Zero(t, limiter.Stats().TotalRequests)

	limiter.Enable()
	assert.True(t, limiter.Enabled())
	assert.Equal(t, ReasonWithinLimits, limiter.Allow("ip:1.1.1.1", "/upload").Reason)

	limiter.Disable()
	assert.Equal(t, ReasonDisabled, limiter.Allow("ip:1.1.1.1", "/upload").Reason)
}

func TestAllow_UnknownCategoryFallsBackToDefault(t *testing.T) {
	cfg := models.RateLimitConfig{
		Enabled: true,
		Rules: map[string]models.RateLimitRuleConfig{
			"default": {Requests: 1, Window: time.Minute, Burst: 0, Penalty: time.Second},
		},
	}
	limiter, _ := newTestLimiter(cfg)

	d := limiter.Allow("ip:1.1.1.1", "/api/v1/pdf/extract")
	assert.Equal(t, CategoryPDF, d.Category)
	assert.Equal(t, 1, d.Limit)
	assert.False(t, limiter.Allow("ip:1.1.1.1", "/api/v1/pdf/extract").Allowed)
}

func TestAllow_ObserversSeeEveryDecision(t *testing.T) {
	var mu sync.Mutex
	var seen []Decision
	obs := ObserverFunc(func(clientID string, d Decision) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, d)
	})

	limiter, _ := newTestLimiter(uploadRuleConfig(), WithObserver(obs))
	for i := 0; i < 8; i++ {
		limiter.Allow("ip:1.1.1.1", "/upload")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 8)
	assert.Equal(t, ReasonExceeded, seen[7].Reason)
}

func TestStatsAndClientStats(t *testing.T) {
	limiter, clock := newTestLimiter(uploadRuleConfig())

	for i := 0; i < 9; i++ {
		limiter.Allow("user:42", "/upload")
	}

	stats := limiter.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, int64(9), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.BlockedRequests)
	assert.Equal(t, int64(1), stats.Violations)
	assert.Equal(t, 1, stats.ClientsTracked)
	assert.Equal(t, 5, stats.PenaltyCap)
	assert.Contains(t, stats.Rules, CategoryHeartbeat)

	cs, ok := limiter.ClientStats("user:42")
	require.True(t, ok)
	assert.Equal(t, 1, cs.Violations)
	assert.True(t, cs.InPenalty)
	require.NotNil(t, cs.PenaltyUntil)
	assert.Equal(t, 7, cs.CurrentRequests[CategoryUpload])

	clock.Advance(2 * time.Minute)
	cs, ok = limiter.ClientStats("user:42")
	require.True(t, ok)
	assert.False(t, cs.InPenalty)
	assert.Equal(t, 0, cs.CurrentRequests[CategoryUpload])

	_, ok = limiter.ClientStats("user:missing")
	assert.False(t, ok)
}

func TestResetClient(t *testing.T) {
	limiter, _ := newTestLimiter(uploadRuleConfig())
	for i := 0; i < 8; i++ {
		limiter.Allow("ip:3.3.3.3", "/upload")
	}
	require.False(t, limiter.Allow("ip:3.3.3.3", "/upload").Allowed)

	assert.True(t, limiter.ResetClient("ip:3.3.3.3"))
	assert.False(t, limiter.ResetClient("ip:3.3.3.3"))
	assert.True(t, limiter.Allow("ip:3.3.3.3", "/upload").Allowed)
}

func TestUpdateRule(t *testing.T) {
	limiter, _ := newTestLimiter(uploadRuleConfig())

	err := limiter.UpdateRule(CategoryUpload, Rule{Requests: 1, Window: time.Minute, Penalty: time.Second})
	require.NoError(t, err)

	assert.True(t, limiter.Allow("ip:1.1.1.1", "/upload").Allowed)
	assert.False(t, limiter.Allow("ip:1.1.1.1", "/upload").Allowed)

	err = limiter.UpdateRule(CategoryUpload, Rule{Requests: 0, Window: time.Minute})
	assert.Error(t, err)
}

func TestEvictIdle(t *testing.T) {
	limiter, clock := newTestLimiter(uploadRuleConfig())
	limiter.Allow("ip:old", "/upload")
	clock.Advance(50 * time.Minute)
	limiter.Allow("ip:new", "/upload")
	clock.Advance(11 * time.Minute)

	assert.Equal(t, 1, limiter.EvictIdle())
	assert.Equal(t, 1, limiter.Stats().ClientsTracked)
	_, ok := limiter.ClientStats("ip:new")
	assert.True(t, ok)
}

func TestAllow_RecordSurvivesConcurrentEviction(t *testing.T) {
	limiter, clock := newTestLimiter(uploadRuleConfig())
	const client = "ip:4.4.4.4"

	for round := 0; round < 200; round++ {
		// Every existing record is idle at the start of a round.
		clock.Advance(61 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.True(t, limiter.Allow(client, "/upload").Allowed)
		}()
		go func() {
			defer wg.Done()
			limiter.EvictIdle()
		}()
		wg.Wait()

		stats, ok := limiter.ClientStats(client)
		require.True(t, ok, "round %d: record evicted after an allowed request", round)
		require.Equal(t, 1, stats.CurrentRequests[CategoryUpload], "round %d", round)
	}
}

func TestAllow_PenaltyNotLostToConcurrentReset(t *testing.T) {
	limiter, _ := newTestLimiter(uploadRuleConfig())
	const client = "ip:5.5.5.5"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				limiter.Allow(client, "/upload")
			}
		}()
		go func() {
			defer wg.Done()
			limiter.ResetClient(client)
		}()
	}
	wg.Wait()

	// Whatever survived the resets must be one consistent record.
	if stats, ok := limiter.ClientStats(client); ok {
		assert.LessOrEqual(t, stats.CurrentRequests[CategoryUpload], 7)
		if stats.Violations > 0 {
			assert.True(t, stats.InPenalty)
		}
	}

	limiter.ResetClient(client)
	d := limiter.Allow(client, "/upload")
	assert.True(t, d.Allowed)
	stats, ok := limiter.ClientStats(client)
	require.True(t, ok)
	assert.Equal(t, 1, stats.CurrentRequests[CategoryUpload])
}

func TestRunStopsOnCloseAndContext(t *testing.T) {
	cfg := uploadRuleConfig()
	cfg.CleanupInterval = 5 * time.Millisecond
	limiter, _ := newTestLimiter(cfg)

	done := make(chan error, 1)
	go func() { done <- limiter.Run(context.Background()) }()

	require.Eventually(t, limiter.running.Load, time.Second, time.Millisecond)
	assert.Error(t, limiter.Run(context.Background()), "second Run must be rejected")

	limiter.Close()
	limiter.Close() // idempotent
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on Close")
	}
}

func TestAllow_ConcurrentSameClientNeverExceedsLimit(t *testing.T) {
	limiter := NewSlidingWindowLimiter(uploadRuleConfig(), WithLogger(quietLogger()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("ip:10.0.0.1", "/upload").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, allowed)
}

func TestAllow_ConcurrentDistinctClients(t *testing.T) {
	limiter := NewSlidingWindowLimiter(uploadRuleConfig(), WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d := limiter.Allow(fmt.Sprintf("ip:10.0.1.%d", n), "/upload")
			assert.True(t, d.Allowed)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, limiter.Stats().ClientsTracked)
}

func TestDecision_RetryAfterSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, 0, Decision{Allowed: true}.RetryAfterSeconds())
	assert.Equal(t, 1, Decision{RetryAfter: 0}.RetryAfterSeconds())
	assert.Equal(t, 2, Decision{RetryAfter: 1500 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 30, Decision{RetryAfter: 30 * time.Second}.RetryAfterSeconds())
}
