package resilience

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const circuitKeyPrefix = "circuit:"

// RedisOpenStore backs the circuit breaker's OPEN condition with a Redis
// key carrying the cooldown as its TTL, so every router instance sharing
// the store observes a trip from any one of them.
type RedisOpenStore struct {
	client *redis.Client
}

// NewRedisOpenStore wraps an existing Redis client. The caller owns the
// client's lifecycle.
func NewRedisOpenStore(client *redis.Client) *RedisOpenStore {
	return &RedisOpenStore{client: client}
}

func circuitKey(provider string) string { return circuitKeyPrefix + provider }

// SetOpen marks the provider's circuit open for cooldown. The TTL doubles
// as the cooldown timer: key expiry is the deadline passing.
func (s *RedisOpenStore) SetOpen(provider string, cooldown time.Duration) error {
	return s.client.Set(context.Background(), circuitKey(provider), "1", cooldown).Err()
}

// IsOpen reports whether the shared open key is currently set.
func (s *RedisOpenStore) IsOpen(provider string) (bool, error) {
	n, err := s.client.Exists(context.Background(), circuitKey(provider)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear removes the shared open key, closing the circuit for every
// instance at once.
func (s *RedisOpenStore) Clear(provider string) error {
	return s.client.Del(context.Background(), circuitKey(provider)).Err()
}
