package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
)

const keyPrefix = "verify_session:"

// Store keeps at most one verification session per platform user in Redis.
type Store struct {
	client  redis.Cmdable
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp and check deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a session store whose sessions live for timeout.
func NewStore(client redis.Cmdable, timeout time.Duration, opts ...Option) *Store {
	s := &Store{client: client, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(platformUserID int64) string {
	return keyPrefix + strconv.FormatInt(platformUserID, 10)
}

// Timeout returns the configured session lifetime.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// Start opens a session awaiting an identifier, replacing any existing one.
func (s *Store) Start(ctx context.Context, userID string, platformUserID int64) (*domain.Session, error) {
	now := s.now().UTC()
	sess := &domain.Session{
		UserID:         userID,
		PlatformUserID: platformUserID,
		Step:           domain.StepAwaitingIdentifier,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.timeout),
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, key(platformUserID), data, s.timeout).Err(); err != nil {
		return nil, fmt.Errorf("redis set session: %w", err)
	}
	return sess, nil
}

// Get returns the active session without consuming it.
func (s *Store) Get(ctx context.Context, platformUserID int64) (*domain.Session, error) {
	data, err := s.client.Get(ctx, key(platformUserID)).Bytes()
	return s.decode(data, err)
}

// Consume atomically removes and returns the active session. Of several
// concurrent callers at most one receives it.
func (s *Store) Consume(ctx context.Context, platformUserID int64) (*domain.Session, error) {
	data, err := s.client.GetDel(ctx, key(platformUserID)).Bytes()
	return s.decode(data, err)
}

// Delete drops the session if present.
func (s *Store) Delete(ctx context.Context, platformUserID int64) error {
	if err := s.client.Del(ctx, key(platformUserID)).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}

func (s *Store) decode(data []byte, err error) (*domain.Session, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNoActiveSession
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.Expired(s.now()) {
		return nil, domain.ErrNoActiveSession
	}
	return &sess, nil
}
