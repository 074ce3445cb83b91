// Package store holds retry schedule backends for the notification queue.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"reliance/internal/notify"
)

type MemoryStore struct {
	mu          sync.Mutex
	scheduled   map[string]notify.OutboundEvent
	deadLetters []notify.DeadLetter
	failErr     error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scheduled: make(map[string]notify.OutboundEvent)}
}

// FailWith makes every call return err; nil restores normal operation.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) Schedule(_ context.Context, ev notify.OutboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.scheduled[ev.ID] = ev
	return nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]notify.OutboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	var due []notify.OutboundEvent
	for _, ev := range s.scheduled {
		if !ev.NextAttemptAt.After(now) {
			due = append(due, ev)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, ev := range due {
		delete(s.scheduled, ev.ID)
	}
	return due, nil
}

func (s *MemoryStore) Complete(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	delete(s.scheduled, eventID)
	return nil
}

func (s *MemoryStore) DeadLetter(_ context.Context, dl notify.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	delete(s.scheduled, dl.Event.ID)
	s.deadLetters = append([]notify.DeadLetter{dl}, s.deadLetters...)
	return nil
}

func (s *MemoryStore) DeadLetters(_ context.Context, limit int) ([]notify.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := s.deadLetters
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]notify.DeadLetter(nil), out...), nil
}

func (s *MemoryStore) Pending(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	return int64(len(s.scheduled)), nil
}

// Scheduled returns a copy of an event still on the schedule.
func (s *MemoryStore) Scheduled(eventID string) (notify.OutboundEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.scheduled[eventID]
	return ev, ok
}
