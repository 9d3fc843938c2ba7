package auth

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory API key store for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]*APIKey
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]*APIKey),
	}
}

func (m *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.byID[key.ID] = &cp
	m.byHash[key.Hash] = &cp
	return nil
}

func (m *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*APIKey
	for _, key := range m.byID {
		if key.UserID == userID {
			cp := *key
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[key.ID]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	m.byID[key.ID] = &cp
	m.byHash[key.Hash] = &cp
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
