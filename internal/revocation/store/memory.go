// Package store holds revoked-set backends.
package store

import (
	"context"
	"sync"
)

// MemoryStore is a single-process revoked set. It is not shared across
// instances and is meant for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	members map[string]struct{}
	failErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[string]struct{})}
}

// FailWith makes every call return err; nil restores normal operation.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) Add(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.members[fingerprint] = struct{}{}
	return nil
}

func (s *MemoryStore) Contains(_ context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return false, s.failErr
	}
	_, ok := s.members[fingerprint]
	return ok, nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	return int64(len(s.members)), nil
}
