package auth

import (
	"context"
	"strings"
	"sync"
)

// MemoryKeyStore provides an in-memory implementation of the KeyStore
// interface, intended for development and testing scenarios.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewMemoryKeyStore initialises the store with the provided seed keys.
func NewMemoryKeyStore(seeds []APIKey) *MemoryKeyStore {
	store := &MemoryKeyStore{keys: make(map[string]*APIKey, len(seeds))}
	for i := range seeds {
		seed := seeds[i]
		if strings.TrimSpace(seed.KeyID) == "" {
			continue
		}
		store.keys[seed.KeyID] = seed.Clone()
	}
	return store
}

// Put upserts a key record.
func (s *MemoryKeyStore) Put(key APIKey) {
	if strings.TrimSpace(key.KeyID) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = make(map[string]*APIKey)
	}
	s.keys[key.KeyID] = key.Clone()
}

// Revoke disables a key without removing it, so lookups keep reporting
// it as revoked rather than unknown.
func (s *MemoryKeyStore) Revoke(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[keyID]; ok {
		key.Disabled = true
	}
}

// LookupKey retrieves the key record.
func (s *MemoryKeyStore) LookupKey(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[strings.TrimSpace(keyID)]; ok {
		return key.Clone(), nil
	}
	return nil, Rejection(ReasonUnknownKey, "api key not found")
}

var _ KeyStore = (*MemoryKeyStore)(nil)
