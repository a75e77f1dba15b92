package memory

import (
	"context"
	"sync"
	"time"

	"convert-service/internal/models"
	"convert-service/internal/repository"
)

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// CounterStore is a process-local repository.CounterStore. Expired keys behave as absent.
type CounterStore struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	now     func() time.Time
}

var _ repository.CounterStore = (*CounterStore)(nil)

func NewCounterStore() *CounterStore {
	return NewCounterStoreWithClock(time.Now)
}

// NewCounterStoreWithClock lets tests move time forward to expire windows.
func NewCounterStoreWithClock(now func() time.Time) *CounterStore {
	return &CounterStore{
		entries: make(map[string]*counterEntry),
		now:     now,
	}
}

func (s *CounterStore) IncrementAndGetTTL(_ context.Context, key string, window time.Duration) (models.ThrottleCounter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &counterEntry{expiresAt: now.Add(window)}
		s.entries[key] = entry
	}
	entry.count++

	return models.ThrottleCounter{
		Key:   key,
		Count: entry.count,
		TTL:   entry.expiresAt.Sub(now),
	}, entry.count == 1, nil
}

func (s *CounterStore) Peek(_ context.Context, key string) (models.ThrottleCounter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if !ok {
		return models.ThrottleCounter{Key: key}, false, nil
	}
	if !now.Before(entry.expiresAt) {
		delete(s.entries, key)
		return models.ThrottleCounter{Key: key}, false, nil
	}
	return models.ThrottleCounter{Key: key, Count: entry.count, TTL: entry.expiresAt.Sub(now)}, true, nil
}

func (s *CounterStore) HealthCheck(context.Context) error {
	return nil
}
