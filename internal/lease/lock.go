package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired means another holder owns the lease.
var ErrNotAcquired = errors.New("lease held by another instance")

var leaseHeld = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "poller_lease_held",
	Help: "1 while this instance holds the poller lease",
})

// renewScript extends the lease only for the current holder.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only for the current holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock is a Redis lease with a per-instance holder token. A holder whose
// lease expired and was taken over can neither renew nor release it.
type Lock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	token  string
}

// New creates a Lock on key with a fresh holder token.
func New(client redis.Cmdable, key string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: key, ttl: ttl, token: uuid.NewString()}
}

// Token returns this instance's holder token.
func (l *Lock) Token() string {
	return l.token
}

// TTL returns the lease duration.
func (l *Lock) TTL() time.Duration {
	return l.ttl
}

// Acquire takes the lease if it is free.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		leaseHeld.Set(1)
	}
	return ok, nil
}

// TryAcquire is Acquire with contention reported as ErrNotAcquired.
func (l *Lock) TryAcquire(ctx context.Context) error {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	return nil
}

// Renew extends the lease. It reports false when the lease was lost.
func (l *Lock) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	if n != 1 {
		leaseHeld.Set(0)
		return false, nil
	}
	return true, nil
}

// Release gives the lease up. It reports false when it was not held.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	leaseHeld.Set(0)
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Holder returns the token of the current holder, or "" when free.
func (l *Lock) Holder(ctx context.Context) (string, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease %s: %w", l.key, err)
	}
	return v, nil
}
