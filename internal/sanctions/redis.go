package sanctions

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the set holding lower-cased sanctioned addresses.
const DefaultRedisKey = "sanctions:wallets"

// setMembership is the slice of the go-redis client the store needs.
type setMembership interface {
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
}

// RedisStore checks membership in a Redis set.
type RedisStore struct {
	client setMembership
	key    string
}

// NewRedisStore creates a sanctions list backed by the Redis set key.
// client is typically a *redis.Client shared with the rest of the process.
func NewRedisStore(client setMembership, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) IsSanctioned(ctx context.Context, address string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, Normalize(address)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check sanctions set %s: %w", s.key, err)
	}
	return ok, nil
}

var _ Checker = (*RedisStore)(nil)
