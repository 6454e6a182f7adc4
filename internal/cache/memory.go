package cache

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It does not survive restarts and backs tests and ephemeral setups.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:      sync.RWMutex{},
		records: make(map[string][]byte),
	}
}

// Get returns a copy of the stored value.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey("cache/get", key); err != nil {
		return nil, err
	}
	if err := checkContext(ctx, "cache/get"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	value, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound(key)
	}
	return cloneBytes(value), nil
}

// Set stores a copy of value under key.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey("cache/set", key); err != nil {
		return err
	}
	if err := checkContext(ctx, "cache/set"); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[key] = cloneBytes(value)
	s.mu.Unlock()
	return nil
}

// Delete removes key; deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := validateKey("cache/delete", key); err != nil {
		return err
	}
	if err := checkContext(ctx, "cache/delete"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
