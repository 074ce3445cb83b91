package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	"reliance/internal/revocation"
)

// RevokedSetKey is the Redis set shared by every instance.
const RevokedSetKey = "revoked_tokens"

// RedisStore keeps the revoked set in Redis so all instances observe a
// revocation as soon as it is acknowledged.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

var _ revocation.Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, key: RevokedSetKey}
}

func (s *RedisStore) Add(ctx context.Context, fingerprint string) error {
	return s.client.SAdd(ctx, s.key, fingerprint).Err()
}

func (s *RedisStore) Contains(ctx context.Context, fingerprint string) (bool, error) {
	return s.client.SIsMember(ctx, s.key, fingerprint).Result()
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, s.key).Result()
}
