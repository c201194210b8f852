package main

import (
	"context"
	"sync"
)

// memoryStore keeps ledger months in process memory. Used when no Firestore
// project is configured; usage resets on restart.
type memoryStore struct {
	mu     sync.Mutex
	months map[string]int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{months: make(map[string]int64)}
}

func (s *memoryStore) Increment(ctx context.Context, month string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.months[month] += delta
	return nil
}

func (s *memoryStore) Usage(ctx context.Context, month string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.months[month], nil
}

func (s *memoryStore) Months(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.months))
	for m := range s.months {
		out = append(out, m)
	}
	return out, nil
}

func (s *memoryStore) Delete(ctx context.Context, month string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.months, month)
	return nil
}
