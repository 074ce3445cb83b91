//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"reliance/internal/counterparty/store"
	"reliance/pkg/platform/sentinel"
	"reliance/pkg/testutil/containers"
)

type RedisKeyStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *store.RedisStore
}

func TestRedisKeyStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisKeyStoreSuite))
}

func (s *RedisKeyStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = store.NewRedisStore(s.redis.Client)
}

func (s *RedisKeyStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisKeyStoreSuite) TestVersionsAndTransition() {
	ctx := context.Background()

	v1, err := s.store.PutKey(ctx, "bank-node", "pem-1")
	s.Require().NoError(err)
	v2, err := s.store.PutKey(ctx, "bank-node", "pem-2")
	s.Require().NoError(err)
	s.Equal(int64(1), v1)
	s.Equal(int64(2), v2)

	current, err := s.store.CurrentVersion(ctx, "bank-node")
	s.Require().NoError(err)
	s.Equal(int64(2), current)

	pem, err := s.store.GetKey(ctx, "bank-node", 1)
	s.Require().NoError(err)
	s.Equal("pem-1", pem)

	_, err = s.store.GetKey(ctx, "bank-node", 9)
	s.ErrorIs(err, sentinel.ErrNotFound)

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	s.Require().NoError(s.store.SetTransitionUntil(ctx, "bank-node", until))
	got, err := s.store.TransitionUntil(ctx, "bank-node")
	s.Require().NoError(err)
	s.True(until.Equal(got))
}

// TestConcurrentRegistrationsGetDistinctVersions checks that every version a
// writer observes has its key stored.
func (s *RedisKeyStoreSuite) TestConcurrentRegistrationsGetDistinctVersions() {
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.store.PutKey(ctx, "bank-node", "pem")
			s.NoError(err)
			versions <- v
		}()
	}
	wg.Wait()
	close(versions)

	seen := map[int64]bool{}
	for v := range versions {
		s.False(seen[v])
		seen[v] = true
		_, err := s.store.GetKey(ctx, "bank-node", v)
		s.NoError(err)
	}
	s.Len(seen, writers)
}
