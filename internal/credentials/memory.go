package credentials

import (
	"context"
	"sync"
)

// Compile-time interface checks.
var (
	_ Store    = (*MemoryStore)(nil)
	_ Profiles = (*MemoryStore)(nil)
)

// MemoryStore is an in-process [Store] and [Profiles] used in development
// and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
	names  map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]Token),
		names:  make(map[string]string),
	}
}

// Load implements [Store].
func (s *MemoryStore) Load(_ context.Context, userID string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[userID]
	if !ok {
		return Token{}, ErrNotLinked
	}
	return tok, nil
}

// Save implements [Store].
func (s *MemoryStore) Save(_ context.Context, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.UserID] = tok
	return nil
}

// Delete implements [Store].
func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, userID)
	return nil
}

// DeviceName implements [Profiles].
func (s *MemoryStore) DeviceName(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names[userID], nil
}

// SetDeviceName implements [Profiles].
func (s *MemoryStore) SetDeviceName(_ context.Context, userID, name string) error {
	name, err := NormalizeDeviceName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
	return nil
}
