package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a processed update id is remembered.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "update:"

// Store remembers processed update ids so webhook and poller deliveries of
// the same update are handled once.
type Store struct {
	client redis.Cmdable
	ttl    time.Duration
}

// New creates a Store that remembers ids for ttl.
func New(client redis.Cmdable, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// FirstSeen marks updateID as processed and reports whether this call was
// the first to do so.
func (s *Store) FirstSeen(ctx context.Context, updateID int64) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+strconv.FormatInt(updateID, 10), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark update %d: %w", updateID, err)
	}
	return ok, nil
}
