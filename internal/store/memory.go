package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process store for local/dev use. Expired records are
// hidden on read and removed by the janitor.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	data      []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok || rec.expired(s.now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(rec.data))
	copy(out, rec.data)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, sessionID string, data []byte, ttl time.Duration) error {
	rec := memoryRecord{data: make([]byte, len(data))}
	copy(rec.data, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl > 0 {
		rec.expiresAt = s.now().Add(ttl)
	}
	s.records[sessionID] = rec
	return nil
}

func (s *MemoryStore) TTLRemaining(_ context.Context, sessionID string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	rec, ok := s.records[sessionID]
	if !ok || rec.expired(now) {
		return 0, ErrNotFound
	}
	if rec.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return rec.expiresAt.Sub(now), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len reports how many records are held, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// StartJanitor sweeps expired records until ctx is cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *MemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, rec := range s.records {
		if rec.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

func (r memoryRecord) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}
