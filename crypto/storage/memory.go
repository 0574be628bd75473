// Package storage provides an in-memory crypto.KeyStorage implementation,
// used for local device signing-key management in tests and single-process
// deployments.
package storage

import (
	"sort"
	"sync"

	corecrypto "github.com/spacepanda/core/crypto"
)

type memoryKeyStorage struct {
	keys map[string]corecrypto.KeyPair
	mu   sync.RWMutex
}

// NewMemoryKeyStorage creates a new in-memory key storage.
func NewMemoryKeyStorage() corecrypto.KeyStorage {
	return &memoryKeyStorage{
		keys: make(map[string]corecrypto.KeyPair),
	}
}

func (s *memoryKeyStorage) Store(id string, keyPair corecrypto.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[id] = keyPair
	return nil
}

func (s *memoryKeyStorage) Load(id string) (corecrypto.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keyPair, exists := s.keys[id]
	if !exists {
		return nil, corecrypto.ErrKeyNotFound
	}
	return keyPair, nil
}

func (s *memoryKeyStorage) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[id]; !exists {
		return corecrypto.ErrKeyNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *memoryKeyStorage) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryKeyStorage) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.keys[id]
	return exists
}
