package store

import (
	"context"
	"sync"
)

// MemoryStore keeps the serialized state in process memory. Useful for
// tests and ephemeral nodes.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Storage.
func (s *MemoryStore) Load(ctx context.Context) (*State, error) {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	if data == nil {
		return nil, nil
	}
	return Decode(data)
}

// Save implements Storage.
func (s *MemoryStore) Save(ctx context.Context, state *State) error {
	data, err := Encode(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}
