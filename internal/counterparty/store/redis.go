package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"reliance/pkg/platform/sentinel"
)

// putKeyScript bumps the version and stores the key in one step so readers
// never observe a current version without its key.
var putKeyScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
redis.call('SET', KEYS[2] .. v, ARGV[1])
return v
`)

// RedisStore keeps keys under counterparty:<id>:key:v<n> with
// counterparty:<id>:current_version and counterparty:<id>:transition_until.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func keyPrefix(counterpartyID string) string {
	return "counterparty:" + counterpartyID + ":key:v"
}

func versionKey(counterpartyID string) string {
	return "counterparty:" + counterpartyID + ":current_version"
}

func transitionKey(counterpartyID string) string {
	return "counterparty:" + counterpartyID + ":transition_until"
}

func (s *RedisStore) PutKey(ctx context.Context, counterpartyID, pem string) (int64, error) {
	v, err := putKeyScript.Run(ctx, s.client, []string{versionKey(counterpartyID), keyPrefix(counterpartyID)}, pem).Int64()
	if err != nil {
		return 0, fmt.Errorf("store counterparty key: %w", err)
	}
	return v, nil
}

func (s *RedisStore) GetKey(ctx context.Context, counterpartyID string, version int64) (string, error) {
	pem, err := s.client.Get(ctx, keyPrefix(counterpartyID)+strconv.FormatInt(version, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return "", sentinel.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get counterparty key: %w", err)
	}
	return pem, nil
}

func (s *RedisStore) CurrentVersion(ctx context.Context, counterpartyID string) (int64, error) {
	v, err := s.client.Get(ctx, versionKey(counterpartyID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counterparty key version: %w", err)
	}
	return v, nil
}

func (s *RedisStore) SetTransitionUntil(ctx context.Context, counterpartyID string, until time.Time) error {
	if err := s.client.Set(ctx, transitionKey(counterpartyID), until.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("set key transition: %w", err)
	}
	return nil
}

func (s *RedisStore) TransitionUntil(ctx context.Context, counterpartyID string) (time.Time, error) {
	raw, err := s.client.Get(ctx, transitionKey(counterpartyID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get key transition: %w", err)
	}
	until, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse key transition: %w", err)
	}
	return until, nil
}
