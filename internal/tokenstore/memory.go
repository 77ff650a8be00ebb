package tokenstore

import (
	"context"
	"sync"
)

type recordKey struct {
	deviceID string
	provider string
}

// MemoryStore implements Store with an in-process map. Records live only as
// long as the hosting process; it exists for tests and local development, not
// durable deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

// Load retrieves a copy of the stored record, or nil when absent.
func (s *MemoryStore) Load(ctx context.Context, deviceID, provider string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordKey{deviceID, provider}]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// Save creates or replaces the record for the key.
func (s *MemoryStore) Save(ctx context.Context, deviceID, provider string, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[recordKey{deviceID, provider}] = *record
	return nil
}

// Delete removes the record for the key if present.
func (s *MemoryStore) Delete(ctx context.Context, deviceID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, recordKey{deviceID, provider})
	return nil
}

// CheckHealth always succeeds for the in-memory store.
func (s *MemoryStore) CheckHealth(ctx context.Context) error {
	return nil
}
