package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. It serves single-process
// deployments on the memory and SQLite drivers.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store. now decides expiry on reads and
// defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]Entry), now: now}
}

// Get returns the live entry for key
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.ExpiresAt.After(s.now()) {
		return nil, ErrNotFound
	}
	e.Result = append(json.RawMessage(nil), e.Result...)
	return &e, nil
}

// Start claims key unless a live, non-recoverable entry holds it
func (s *MemoryStore) Start(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[e.Key]; ok && cur.Status != StatusRecoverable && cur.ExpiresAt.After(e.UpdatedAt) {
		return ErrDuplicate
	}
	e.Result = nil
	s.entries[e.Key] = e
	return nil
}

// SetStatus records an attempt's outcome
func (s *MemoryStore) SetStatus(ctx context.Context, key string, status Status, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.Result = append(json.RawMessage(nil), result...)
	e.UpdatedAt = at
	s.entries[key] = e
	return nil
}

// DeleteExpired removes entries expired at now
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, e := range s.entries {
		if !e.ExpiresAt.After(now) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}
