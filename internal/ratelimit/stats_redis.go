package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore keeps decision counters in Redis hashes:
//
//	<prefix>:total              allowed / denied
//	<prefix>:category           <category>:allowed / <category>:denied
//	<prefix>:minute:<yyyymmddhhmm>  allowed / denied, expiring after ttl
//
// Totals are cumulative and never expire.
type RedisStatsStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "chemgate:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func outcomeField(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func (s *RedisStatsStore) Record(ctx context.Context, ev StatsEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := outcomeField(ev.Allowed)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)
	pipe.HIncrBy(ctx, s.prefix+":category", string(ev.Category)+":"+field, 1)

	bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record rate limit stats: %w", err)
	}
	return nil
}

func (s *RedisStatsStore) Snapshot(ctx context.Context) (StatsSnapshot, error) {
	pipe := s.rdb.Pipeline()
	totalCmd := pipe.HGetAll(ctx, s.prefix+":total")
	categoryCmd := pipe.HGetAll(ctx, s.prefix+":category")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return StatsSnapshot{}, fmt.Errorf("read rate limit stats: %w", err)
	}

	out := StatsSnapshot{ByCategory: make(map[Category]Counters)}
	for field, raw := range totalCmd.Val() {
		n, _ := strconv.ParseInt(raw, 10, 64)
		switch field {
		case "allowed":
			out.Total.Allowed = n
		case "denied":
			out.Total.Denied = n
		}
	}

	for field, raw := range categoryCmd.Val() {
		i := strings.LastIndex(field, ":")
		if i <= 0 {
			continue
		}
		n, _ := strconv.ParseInt(raw, 10, 64)
		cat := Category(field[:i])
		c := out.ByCategory[cat]
		switch field[i+1:] {
		case "allowed":
			c.Allowed = n
		case "denied":
			c.Denied = n
		}
		out.ByCategory[cat] = c
	}
	return out, nil
}

// Minute returns the counters of the one-minute bucket containing at.
func (s *RedisStatsStore) Minute(ctx context.Context, at time.Time) (Counters, error) {
	key := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Counters{}, err
	}
	var c Counters
	c.Allowed, _ = strconv.ParseInt(vals["allowed"], 10, 64)
	c.Denied, _ = strconv.ParseInt(vals["denied"], 10, 64)
	return c, nil
}
