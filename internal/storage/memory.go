package storage

import (
	"context"
	"sync"
	"time"

	"daynews/internal/schedule"
)

type memoryStore struct {
	mu     sync.RWMutex
	recs   map[string]schedule.Record
	closed bool
}

// NewMemory returns a process-local store, used in tests and dry runs.
func NewMemory() Store {
	return &memoryStore{recs: map[string]schedule.Record{}}
}

func (s *memoryStore) Get(_ context.Context, id string) (schedule.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return schedule.Record{}, false, unavailable("get", ErrClosed)
	}
	r, ok := s.recs[id]
	return r, ok, nil
}

func (s *memoryStore) Upsert(_ context.Context, rec schedule.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("upsert", ErrClosed)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.recs[rec.SubscriberID] = rec
	return nil
}

func (s *memoryStore) SetActive(_ context.Context, id string, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, unavailable("set active", ErrClosed)
	}
	r, ok := s.recs[id]
	if !ok {
		return false, nil
	}
	r.Active = active
	r.UpdatedAt = time.Now()
	s.recs[id] = r
	return true, nil
}

func (s *memoryStore) MarkDelivered(_ context.Context, id string, date schedule.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("mark delivered", ErrClosed)
	}
	r, ok := s.recs[id]
	if !ok {
		return notFound(id)
	}
	r.LastDelivered = date
	r.UpdatedAt = time.Now()
	s.recs[id] = r
	return nil
}

func (s *memoryStore) ListAll(_ context.Context) ([]schedule.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("list", ErrClosed)
	}
	out := make([]schedule.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
