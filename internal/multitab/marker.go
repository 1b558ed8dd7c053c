package multitab

import (
	"context"
	"sync"
)

// Marker tells a starting tab whether other tabs may exist. Without it there
// is provably nobody to ask for state.
type Marker interface {
	Mark(ctx context.Context) error
	Present(ctx context.Context) (bool, error)
	Clear(ctx context.Context) error
}

// MemoryMarker is a Marker shared by tabs living in one process.
type MemoryMarker struct {
	mu  sync.Mutex
	set bool
}

func NewMemoryMarker() *MemoryMarker { return &MemoryMarker{} }

func (m *MemoryMarker) Mark(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = true
	return nil
}

func (m *MemoryMarker) Present(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set, nil
}

func (m *MemoryMarker) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = false
	return nil
}
