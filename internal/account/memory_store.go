package account

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory account store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[a.ID]; exists {
		return ErrAccountExists
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ID]; !ok {
		return ErrAccountNotFound
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
