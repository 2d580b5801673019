// Package memory provides a thread-safe in-memory storage.CounterStore.
//
// Counters live in process memory, so the store is only correct for
// single-instance deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/marquee/storage"
)

// Store is an in-memory storage.CounterStore.
type Store struct {
	mu       sync.Mutex
	counters map[string]storage.Counter
}

var _ storage.CounterStore = (*Store)(nil)

// NewStore creates a new empty Store.
func NewStore() *Store {
	return &Store{counters: make(map[string]storage.Counter)}
}

func (s *Store) RecordFailure(_ context.Context, key string, p storage.Policy, now time.Time) (storage.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counters[key].Next(p, now)
	s.counters[key] = c
	return c, nil
}

func (s *Store) Counter(_ context.Context, key string, now time.Time) (storage.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		return storage.Counter{}, nil
	}
	c = c.Current(now)
	if c.Failures == 0 {
		delete(s.counters, key)
	}
	return c, nil
}

func (s *Store) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

// Sweep removes counters that have reset by now.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.counters {
		if !now.Before(c.ExpiresAt) {
			delete(s.counters, key)
		}
	}
}

// Len returns the number of stored counters.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
