// Package store holds the ledger persistence backends.
package store

import (
	"context"
	"sync"

	"reliance/internal/ledger"
	"reliance/pkg/platform/sentinel"
)

// MemoryStore keeps the chain in process. Tests and ephemeral runs only.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []ledger.Entry
	failErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailWith makes subsequent Appends return err; nil restores normal operation.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) Append(_ context.Context, entry ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if err := checkHead(s.head(), entry); err != nil {
		return err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) Last(_ context.Context) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h := s.head(); h != nil {
		cp := *h
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) List(_ context.Context) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Mutate edits a stored entry in place, bypassing the chain. Tamper tests only.
func (s *MemoryStore) Mutate(sequence int64, fn func(*ledger.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Sequence == sequence {
			fn(&s.entries[i])
		}
	}
}

func (s *MemoryStore) head() *ledger.Entry {
	if len(s.entries) == 0 {
		return nil
	}
	return &s.entries[len(s.entries)-1]
}

// checkHead rejects an entry that does not extend head.
func checkHead(head *ledger.Entry, entry ledger.Entry) error {
	wantPrev, wantSeq := ledger.GenesisHash, int64(1)
	if head != nil {
		wantPrev, wantSeq = head.Hash, head.Sequence+1
	}
	if entry.PreviousHash != wantPrev || entry.Sequence != wantSeq {
		return sentinel.ErrConflict
	}
	return nil
}
