package listing

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func (m *MemoryStore) Put(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.listings[l.ItemID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, itemID string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) SetAvailable(ctx context.Context, itemID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[itemID]
	if !ok {
		return ErrNotFound
	}
	l.Available = available
	return nil
}
