// Package store holds counterparty key backends.
package store

import (
	"context"
	"sync"
	"time"

	"reliance/pkg/platform/sentinel"
)

type record struct {
	keys       map[int64]string
	current    int64
	transition time.Time
}

// MemoryStore is an in-process key store for tests and single-node demos.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
	failErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

// FailWith makes every call return err; nil restores normal operation.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) PutKey(_ context.Context, counterpartyID, pem string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	rec, ok := s.records[counterpartyID]
	if !ok {
		rec = &record{keys: make(map[int64]string)}
		s.records[counterpartyID] = rec
	}
	rec.current++
	rec.keys[rec.current] = pem
	return rec.current, nil
}

func (s *MemoryStore) GetKey(_ context.Context, counterpartyID string, version int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	if rec, ok := s.records[counterpartyID]; ok {
		if pem, ok := rec.keys[version]; ok {
			return pem, nil
		}
	}
	return "", sentinel.ErrNotFound
}

func (s *MemoryStore) CurrentVersion(_ context.Context, counterpartyID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	if rec, ok := s.records[counterpartyID]; ok {
		return rec.current, nil
	}
	return 0, nil
}

func (s *MemoryStore) SetTransitionUntil(_ context.Context, counterpartyID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	rec, ok := s.records[counterpartyID]
	if !ok {
		rec = &record{keys: make(map[int64]string)}
		s.records[counterpartyID] = rec
	}
	rec.transition = until
	return nil
}

func (s *MemoryStore) TransitionUntil(_ context.Context, counterpartyID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return time.Time{}, s.failErr
	}
	if rec, ok := s.records[counterpartyID]; ok {
		return rec.transition, nil
	}
	return time.Time{}, nil
}
