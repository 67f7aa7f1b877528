package settlement

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory settlement Store, guarded by a single RWMutex.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Settlement
	byIdemKey map[string]string // idempotency key -> settlement id
}

// NewMemoryStore creates an in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Settlement),
		byIdemKey: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byIdemKey[s.IdempotencyKey]; ok && existing != s.ID {
		return ErrIdempotencyKeyExists
	}

	cp := *s
	m.byID[s.ID] = &cp
	m.byIdemKey[s.IdempotencyKey] = s.ID
	return nil
}

func (m *MemoryStore) Update(_ context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIdemKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) ListNonTerminal(_ context.Context) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.byID {
		if !s.Status.Terminal() {
			cp := *s
			result = append(result, &cp)
		}
	}
	return result, nil
}
