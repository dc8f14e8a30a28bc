// Package memory provides an in-memory implementation of purchases.KeyValueStore.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"

	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

// Storage implements purchases.KeyValueStore using an in-memory map
type Storage struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		values: make(map[string][]byte),
	}
}

// Get implements purchases.KeyValueStore
func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, purchases.ErrKeyNotFound
	}

	// Return a copy to prevent external mutations
	return append([]byte(nil), value...), nil
}

// Set implements purchases.KeyValueStore
func (s *Storage) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements purchases.KeyValueStore
func (s *Storage) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.values, key)
	}
	return nil
}

// Len returns the number of stored keys.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
