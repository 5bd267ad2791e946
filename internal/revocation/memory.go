package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put inserts or replaces the record for a credential.
func (s *MemoryStore) Put(credential string, rec Record) {
	s.mu.Lock()
	s.records[credential] = rec
	s.mu.Unlock()
}

func (s *MemoryStore) Lookup(ctx context.Context, credential string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[credential]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *MemoryStore) Touch(ctx context.Context, credential string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[credential]
	if !ok {
		return nil
	}
	rec.LastUsedAt = at
	s.records[credential] = rec
	return nil
}

// LastUsed returns the stored last-used timestamp for a credential (tests).
func (s *MemoryStore) LastUsed(credential string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[credential]
	return rec.LastUsedAt, ok
}
