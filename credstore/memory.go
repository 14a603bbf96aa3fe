package credstore

import (
	"context"
	"sync"
)

// MemoryStore keeps slots in process memory. It does not survive restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewMemoryStore returns a store pre-populated with creds.
func NewMemoryStore(creds Credentials) *MemoryStore {
	return &MemoryStore{creds: creds}
}

func (m *MemoryStore) Get(_ context.Context, slot Slot) (string, error) {
	if err := validSlot(slot); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.get(slot), nil
}

func (m *MemoryStore) Set(_ context.Context, slot Slot, value string) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds.set(slot, value)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, slot Slot) error {
	return m.Set(ctx, slot, "")
}
