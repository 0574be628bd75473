package keypackage

import (
	"bytes"
	"context"
	"sync"
	"time"

	coreerrors "github.com/spacepanda/core/errors"
)

// memoryStore is an in-memory Store, used in tests and for the embedded
// service façade before a storage backend is wired in. The whole
// scan-mark-return sequence in LoadFresh runs under one lock acquisition:
// exactly-once hand-out is a correctness invariant, not a convenience.
type memoryStore struct {
	mu       sync.Mutex
	byID     map[string]*record
	byPubKey map[string]string // hex-free raw-bytes key -> id, for uniqueness checks
}

// NewMemoryStore creates a new in-memory key-package store.
func NewMemoryStore() Store {
	return &memoryStore{
		byID:     make(map[string]*record),
		byPubKey: make(map[string]string),
	}
}

func (s *memoryStore) Store(_ context.Context, kp *KeyPackage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(kp.InitKey)
	if existingID, exists := s.byPubKey[key]; exists && existingID != kp.ID {
		return errDuplicatePublicKey
	}
	s.byID[kp.ID] = &record{kp: *cloneKeyPackage(kp)}
	s.byPubKey[key] = kp.ID
	return nil
}

// LoadFresh scans for an unused, unexpired package matching the requested
// credential identity, marks it used, and returns a copy, all under a
// single mutex critical section so the hand-out is exactly-once.
func (s *memoryStore) LoadFresh(_ context.Context, credentialIdentity []byte) (*KeyPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, rec := range s.byID {
		if rec.used || rec.kp.Expired(now) {
			continue
		}
		if !bytes.Equal(rec.kp.Credential.Identity, credentialIdentity) {
			continue
		}
		rec.used = true
		return cloneKeyPackage(&rec.kp), nil
	}
	return nil, coreerrors.New(coreerrors.KindNoneAvailable, "no unused key package available")
}

func (s *memoryStore) MarkUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.byID[id]
	if !exists {
		return errKeyPackageNotFound
	}
	rec.used = true
	return nil
}

func (s *memoryStore) PruneExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, rec := range s.byID {
		if rec.kp.Expired(now) {
			delete(s.byID, id)
			delete(s.byPubKey, string(rec.kp.InitKey))
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) ExistsPublicInitKey(_ context.Context, pub []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.byPubKey[string(pub)]
	return exists, nil
}
