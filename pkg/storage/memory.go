package storage

import (
	"context"
	"sync"
)

// MemoryVarStore is an in-memory VarStore for tests and single-process runs
// without Redis.
type MemoryVarStore struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewMemoryVarStore creates an empty in-memory VarStore.
func NewMemoryVarStore() *MemoryVarStore {
	return &MemoryVarStore{vars: make(map[string]string)}
}

func (s *MemoryVarStore) GetVar(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	if !ok {
		return "", ErrVarMissing
	}
	return v, nil
}

func (s *MemoryVarStore) SetVar(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[key] = value
	return nil
}

func (s *MemoryVarStore) DeleteVar(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, key)
	return nil
}
