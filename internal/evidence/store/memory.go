// Package store holds evidence backends.
package store

import (
	"context"
	"sync"

	"reliance/internal/evidence"
	"reliance/pkg/platform/sentinel"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]evidence.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]evidence.Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec evidence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.TransactionID]; ok {
		return sentinel.ErrConflict
	}
	s.records[rec.TransactionID] = clone(rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, transactionID string) (*evidence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[transactionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := clone(rec)
	return &out, nil
}

func clone(rec evidence.Record) evidence.Record {
	rec.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	rec.Nonce = append([]byte(nil), rec.Nonce...)
	rec.Tag = append([]byte(nil), rec.Tag...)
	rec.ShardA = append([]byte(nil), rec.ShardA...)
	return rec
}
