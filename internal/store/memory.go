package store

import (
	"context"
	"sync"
)

// MemoryProperties is a process-local PropertyStore. Nothing survives the
// process; it backs dry runs.
type MemoryProperties struct {
	mu    sync.RWMutex
	props map[string]string
}

var _ PropertyStore = (*MemoryProperties)(nil)

// NewMemoryProperties creates an empty store.
func NewMemoryProperties() *MemoryProperties {
	return &MemoryProperties{props: make(map[string]string)}
}

// GetProperty reads a single property.
func (m *MemoryProperties) GetProperty(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.props[key]
	return v, ok, nil
}

// SetProperty writes a single property.
func (m *MemoryProperties) SetProperty(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props[key] = value
	return nil
}

// DeleteProperty removes a single property.
func (m *MemoryProperties) DeleteProperty(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.props, key)
	return nil
}
