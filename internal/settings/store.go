package settings

import (
	"context"
	"sync"
)

// Store persists the current settings.
type Store interface {
	Load(ctx context.Context) (GenerationSettings, error)
	Save(ctx context.Context, s GenerationSettings) error
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	s  GenerationSettings
}

// NewMemoryStore returns a store holding Defaults.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{s: Defaults()}
}

func (m *MemoryStore) Load(context.Context) (GenerationSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s, nil
}

func (m *MemoryStore) Save(_ context.Context, s GenerationSettings) error {
	m.mu.Lock()
	m.s = s
	m.mu.Unlock()
	return nil
}
