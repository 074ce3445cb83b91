package revocation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	"reliance/internal/revocation"
	"reliance/internal/revocation/store"
	dErrors "reliance/pkg/domain-errors"
)

type RegistrySuite struct {
	suite.Suite
	store    *store.MemoryStore
	registry *revocation.Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.store = store.NewMemoryStore()
	s.registry = revocation.NewRegistry(s.store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *RegistrySuite) TestRevokeThenCheck() {
	ctx := context.Background()

	revoked, err := s.registry.IsRevoked(ctx, "tok-1")
	s.Require().NoError(err)
	s.False(revoked)

	s.Require().NoError(s.registry.Revoke(ctx, "tok-1"))
	s.Require().NoError(s.registry.Revoke(ctx, "tok-1"))

	revoked, err = s.registry.IsRevoked(ctx, "tok-1")
	s.Require().NoError(err)
	s.True(revoked)

	n, err := s.registry.Count(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

func (s *RegistrySuite) TestStoresFingerprintOnly() {
	ctx := context.Background()
	s.Require().NoError(s.registry.Revoke(ctx, "raw-token"))

	present, err := s.store.Contains(ctx, "raw-token")
	s.Require().NoError(err)
	s.False(present)

	present, err = s.store.Contains(ctx, revocation.Fingerprint("raw-token"))
	s.Require().NoError(err)
	s.True(present)
	s.Len(revocation.Fingerprint("raw-token"), 64)
}

func (s *RegistrySuite) TestEmptyTokenRejected() {
	err := s.registry.Revoke(context.Background(), "  ")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *RegistrySuite) TestFailsClosedWhenStoreUnreachable() {
	ctx := context.Background()
	s.Require().NoError(s.registry.Revoke(ctx, "tok-1"))
	s.store.FailWith(errors.New("dial tcp: connection refused"))

	s.Run("revoke does not appear to succeed", func() {
		err := s.registry.Revoke(ctx, "tok-2")
		s.True(dErrors.HasCode(err, dErrors.CodeRevocationUnavailable))
	})
	s.Run("is revoked refuses to answer", func() {
		revoked, err := s.registry.IsRevoked(ctx, "tok-2")
		s.True(dErrors.HasCode(err, dErrors.CodeRevocationUnavailable))
		s.False(revoked)
	})
	s.Run("count refuses to answer", func() {
		_, err := s.registry.Count(ctx)
		s.True(dErrors.HasCode(err, dErrors.CodeRevocationUnavailable))
	})
}
