package config

import (
	"context"
	"sync"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store for tests and single-process setups.
type InMemory struct {
	mu     sync.RWMutex
	values map[cacheKey]string
}

func NewInMemory() *InMemory {
	return &InMemory{values: make(map[cacheKey]string)}
}

func (s *InMemory) Get(ctx context.Context, scope int64, key Key) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[cacheKey{scope, key}]
	return v, ok, nil
}

func (s *InMemory) Set(ctx context.Context, scope int64, key Key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[cacheKey{scope, key}] = value
	return nil
}

func (s *InMemory) Delete(ctx context.Context, scope int64, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, cacheKey{scope, key})
	return nil
}
