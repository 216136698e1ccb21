package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
)

const keyPrefix = "rate_limit:"

// Action classes. Each has its own counter per subject.
const (
	ActionGeneral          = "general"
	ActionStart            = "start"
	ActionRegister         = "register"
	ActionSubmitIdentifier = "submit_identifier"
)

var deniedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_denied_total",
		Help: "Requests denied by the fixed-window rate limiter",
	},
	[]string{"action"},
)

// incrScript increments the window counter and starts the window on the
// first hit. A counter left without a TTL is given one.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) == -1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Rule is a budget of Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Limiter is a fixed-window counter limiter backed by Redis.
type Limiter struct {
	client redis.Cmdable
	rules  map[string]Rule
}

// New creates a Limiter. rules maps an action class to its budget.
func New(client redis.Cmdable, rules map[string]Rule) *Limiter {
	return &Limiter{client: client, rules: rules}
}

func key(action, subjectID string) string {
	return keyPrefix + action + ":" + subjectID
}

// Allow counts one request for subjectID under action and reports whether
// the count is still within limit for the current window.
func (l *Limiter) Allow(ctx context.Context, subjectID, action string, limit int, window time.Duration) (bool, error) {
	n, err := incrScript.Run(ctx, l.client, []string{key(action, subjectID)}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit incr %s: %w", action, err)
	}
	return n <= int64(limit), nil
}

// RetryAfter returns the time left in the subject's current window.
func (l *Limiter) RetryAfter(ctx context.Context, subjectID, action string) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, key(action, subjectID)).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit ttl %s: %w", action, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Check applies the configured rule for action. A denial is returned as
// *domain.RateLimitedError; an unknown action is always allowed.
func (l *Limiter) Check(ctx context.Context, subjectID, action string) error {
	rule, ok := l.rules[action]
	if !ok || rule.Limit <= 0 {
		return nil
	}

	allowed, err := l.Allow(ctx, subjectID, action, rule.Limit, rule.Window)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	deniedTotal.WithLabelValues(action).Inc()
	retryAfter, err := l.RetryAfter(ctx, subjectID, action)
	if err != nil {
		retryAfter = rule.Window
	}
	return &domain.RateLimitedError{Action: action, RetryAfter: retryAfter}
}
