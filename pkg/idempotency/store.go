package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers which message deliveries a consumer group has already
// handled. Keys are scoped to the group so that two groups reading the same
// topic never suppress each other.
type Store struct {
	rdb   redis.UniversalClient
	group string
	ttl   time.Duration
}

func NewStore(rdb redis.UniversalClient, group string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, group: group, ttl: ttl}
}

func (s *Store) Key(topic string, partition int, offset int64) string {
	return fmt.Sprintf("idem:%s:%s:%d:%d", s.group, topic, partition, offset)
}

// Seen claims key and reports whether an earlier delivery claimed it first.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	claimed, err := s.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim %s: %w", key, err)
	}
	return !claimed, nil
}
