// ABOUTME: In-memory credential store, nothing survives a restart
// ABOUTME: Default backend and the one used by most tests

package credentials

import (
	"context"
	"sync"
)

// MemoryStore keeps the identity in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	id *Identity
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the saved identity.
func (m *MemoryStore) Load(ctx context.Context) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.id == nil {
		return nil, ErrNotFound
	}
	return m.id.Clone(), nil
}

// Save stores a copy of id.
func (m *MemoryStore) Save(ctx context.Context, id *Identity) error {
	data, err := encode(id)
	if err != nil {
		return err
	}
	stored, err := decode(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.id = stored
	m.mu.Unlock()
	return nil
}

// Reset drops the saved identity.
func (m *MemoryStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.id = nil
	m.mu.Unlock()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
