// Package ratelimit provides per-client, per-endpoint-category rate limiting
// using a sliding window with a burst allowance and a progressive penalty for
// repeat offenders. Decisions are plain data; Middleware maps them onto HTTP
// status codes and the standard X-RateLimit-* headers.
package ratelimit

import (
	"encoding/json"
	"errors"
	"time"

	"chemgate/internal/models"
)

// Decision reasons
const (
	ReasonDisabled     = "rate_limiting_disabled"
	ReasonPenalty      = "penalty"
	ReasonExceeded     = "rate_limit_exceeded"
	ReasonWithinLimits = "within_limits"
)

// Limiter defines the rate limiting contract. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow evaluates one request from clientID against the rule for path's
	// category and records it when allowed.
	Allow(clientID, path string) Decision
}

// Decision is the outcome of one evaluation.
//
// Limit is the effective limit (requests + burst). RetryAfter is only set on
// denial. ResetAt is when the client may next expect a free slot.
type Decision struct {
	Allowed      bool
	Reason       string
	Category     Category
	RetryAfter   time.Duration
	CurrentCount int
	Limit        int
	Remaining    int
	Window       time.Duration
	Violations   int
	ResetAt      time.Time
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one for
// a denial.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Observer is notified after every evaluation, outside any limiter lock.
type Observer interface {
	ObserveDecision(clientID string, d Decision)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(clientID string, d Decision)

func (f ObserverFunc) ObserveDecision(clientID string, d Decision) { f(clientID, d) }

// Rule bounds one endpoint category: Requests plus Burst calls per Window, and
// a base Penalty multiplied by the violation count (up to the penalty cap).
type Rule struct {
	Requests int
	Window   time.Duration
	Burst    int
	Penalty  time.Duration
}

// EffectiveLimit is the number of calls allowed inside one window.
func (r Rule) EffectiveLimit() int {
	return r.Requests + r.Burst
}

func (r Rule) Validate() error {
	if r.Requests <= 0 {
		return errors.New("requests must be positive")
	}
	if r.Window <= 0 {
		return errors.New("window must be positive")
	}
	if r.Burst < 0 {
		return errors.New("burst cannot be negative")
	}
	if r.Penalty < 0 {
		return errors.New("penalty cannot be negative")
	}
	return nil
}

// MarshalJSON reports durations in seconds.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Requests int `json:"requests"`
		Window   int `json:"window"`
		Burst    int `json:"burst"`
		Penalty  int `json:"penalty"`
	}{
		Requests: r.Requests,
		Window:   int(r.Window / time.Second),
		Burst:    r.Burst,
		Penalty:  int(r.Penalty / time.Second),
	})
}

// RuleFromConfig converts the configuration form of a rule.
func RuleFromConfig(c models.RateLimitRuleConfig) Rule {
	return Rule{
		Requests: c.Requests,
		Window:   c.Window,
		Burst:    c.Burst,
		Penalty:  c.Penalty,
	}
}

// DefaultRules returns the built-in rule per category.
func DefaultRules() map[Category]Rule {
	rules := make(map[Category]Rule)
	for name, c := range models.DefaultRateLimitRules() {
		rules[Category(name)] = RuleFromConfig(c)
	}
	return rules
}
