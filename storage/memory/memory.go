// Package memory provides an in-memory implementation of the taskgate.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/taskgate/pkg/taskgate"
)

type entry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// Store implements taskgate.Store using an in-memory map.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for TTL bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for key, dropping it if expired.
// Callers must hold mu.
func (s *Store) lookup(key string, now time.Time) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (e *entry) ttl(now time.Time) time.Duration {
	if e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(now)
}

// IncrementAndCheck implements taskgate.Store
func (s *Store) IncrementAndCheck(_ context.Context, key string, limit int64,
	window time.Duration) (taskgate.CounterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.lookup(key, now)
	if e == nil {
		if limit <= 0 {
			return taskgate.CounterResult{Allowed: false, Remaining: 0, Reset: window}, nil
		}
		s.entries[key] = &entry{value: 1, expiresAt: now.Add(window)}
		return taskgate.CounterResult{Allowed: true, Remaining: limit - 1, Reset: window}, nil
	}

	if e.expiresAt.IsZero() {
		e.expiresAt = now.Add(window)
	}
	ttl := e.ttl(now)
	if e.value >= limit {
		return taskgate.CounterResult{Allowed: false, Remaining: 0, Reset: ttl}, nil
	}
	e.value++
	return taskgate.CounterResult{Allowed: true, Remaining: limit - e.value, Reset: ttl}, nil
}

// Increment implements taskgate.Store
func (s *Store) Increment(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key, s.now())
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	e.value++
	return e.value, nil
}

// Decrement implements taskgate.Store
func (s *Store) Decrement(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrement(key, s.now()), nil
}

func (s *Store) decrement(key string, now time.Time) int64 {
	e := s.lookup(key, now)
	if e == nil {
		return 0
	}
	if e.value <= 1 {
		delete(s.entries, key)
		return 0
	}
	e.value--
	return e.value
}

// DecrementOnce implements taskgate.Store
func (s *Store) DecrementOnce(_ context.Context, key, guard string,
	guardTTL time.Duration) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if g := s.lookup(guard, now); g != nil {
		current := int64(0)
		if e := s.lookup(key, now); e != nil {
			current = e.value
		}
		return false, current, nil
	}
	s.entries[guard] = &entry{value: 1, expiresAt: now.Add(guardTTL)}
	return true, s.decrement(key, now), nil
}

// Get implements taskgate.Store
func (s *Store) Get(_ context.Context, key string) (taskgate.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.lookup(key, now)
	if e == nil {
		return taskgate.Counter{}, nil
	}
	return taskgate.Counter{Value: e.value, TTL: e.ttl(now)}, nil
}

// Clear removes all data (useful for testing)
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}
