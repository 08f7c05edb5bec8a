package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/tessara/schedq/pkg/core"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*core.IdempotencyRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*core.IdempotencyRecord),
		now:     time.Now,
	}
}

// BeginOnce implements Store.
func (s *MemoryStore) BeginOnce(_ context.Context, key string, ttl time.Duration) (bool, *core.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && rec.ExpiresAt.After(now) {
		existing := *rec
		return false, &existing, nil
	}

	s.records[key] = &core.IdempotencyRecord{
		Key:       key,
		Status:    core.IdemInProgress,
		ExpiresAt: now.Add(ttl),
	}
	return true, nil, nil
}

// MarkDone implements Store.
func (s *MemoryStore) MarkDone(_ context.Context, key string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !rec.ExpiresAt.After(s.now()) {
		return core.NotFound("idempotency record", key)
	}
	rec.Status = core.IdemDone
	rec.Result = result
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*core.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !rec.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Sweep removes expired records. Call periodically on long-lived stores to
// bound memory.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, rec := range s.records {
		if !rec.ExpiresAt.After(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}
