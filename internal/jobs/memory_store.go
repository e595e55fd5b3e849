package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps records in a map. Terminal records are evicted ttl after
// they finish; pending records are kept until they finish.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore returns an empty store. ttl <= 0 keeps terminal records forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{records: map[string]Record{}, ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.JobID] = rec
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, id string, status Status, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	rec.Status = status
	rec.Result = result
	rec.FinishedAt = at
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) expired(rec Record, now time.Time) bool {
	return s.ttl > 0 && rec.Status.Terminal() && now.Sub(rec.FinishedAt) >= s.ttl
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || s.expired(rec, s.now()) {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Sweep evicts expired terminal records.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if s.expired(rec, now) {
			delete(s.records, id)
		}
	}
	return nil
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error { return nil }
