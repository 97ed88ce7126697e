package session

import (
	"context"
	"sync"
)

// MemoryStore is the default, single-process Store: a plain mutex-guarded
// map, matching spec.md's description of the Session Registry directly
// (no external dependency required for the model the spec describes).
type MemoryStore struct {
	mu   sync.Mutex
	data map[uint32]*Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[uint32]*Session)}
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[s.ID] = s
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id uint32) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[id], nil
}

func (m *MemoryStore) Delete(_ context.Context, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}
