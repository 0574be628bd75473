// Package memory is the in-memory storage backend used by tests and
// ephemeral deployments. It honors the same contracts as the sqlite
// backend, including cascade deletes and snapshot epoch monotonicity.
package memory

import (
	"context"
	"sync"
	"time"

	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/keypackage"
	"github.com/spacepanda/core/storage"
)

// Store implements storage.Store entirely in process memory.
type Store struct {
	mu sync.RWMutex

	snapshots map[string]*storage.Snapshot
	channels  map[string]*storage.Channel
	messages  map[string][]*storage.Message // keyed by group id, unsorted
	welcomes  map[string]bool

	keypackages keypackage.Store

	snapshotStore *snapshotStore
	channelStore  *channelStore
	messageStore  *messageStore
	welcomeStore  *welcomeStore
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	s := &Store{
		snapshots:   make(map[string]*storage.Snapshot),
		channels:    make(map[string]*storage.Channel),
		messages:    make(map[string][]*storage.Message),
		welcomes:    make(map[string]bool),
		keypackages: keypackage.NewMemoryStore(),
	}
	s.snapshotStore = &snapshotStore{s: s}
	s.channelStore = &channelStore{s: s}
	s.messageStore = &messageStore{s: s}
	s.welcomeStore = &welcomeStore{s: s}
	return s
}

// Snapshots returns the snapshot store.
func (s *Store) Snapshots() storage.SnapshotStore { return s.snapshotStore }

// Channels returns the channel store.
func (s *Store) Channels() storage.ChannelStore { return s.channelStore }

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore { return s.messageStore }

// Welcomes returns the welcome-replay store.
func (s *Store) Welcomes() storage.WelcomeStore { return s.welcomeStore }

// KeyPackages returns the key-package store.
func (s *Store) KeyPackages() keypackage.Store { return s.keypackages }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

type snapshotStore struct{ s *Store }

func (st *snapshotStore) Save(_ context.Context, snap *storage.Snapshot) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	key := string(snap.GroupID)
	if existing, ok := st.s.snapshots[key]; ok && existing.Epoch > snap.Epoch {
		return coreerrors.New(coreerrors.KindConstraint, "snapshot epoch regression")
	}
	cp := *snap
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Blob = append([]byte(nil), snap.Blob...)
	st.s.snapshots[key] = &cp
	return nil
}

func (st *snapshotStore) Load(_ context.Context, groupID []byte) (*storage.Snapshot, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	snap, ok := st.s.snapshots[string(groupID)]
	if !ok {
		return nil, coreerrors.New(coreerrors.KindNotFound, "snapshot not found")
	}
	cp := *snap
	cp.Blob = append([]byte(nil), snap.Blob...)
	return &cp, nil
}

func (st *snapshotStore) List(_ context.Context) ([]*storage.Snapshot, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	out := make([]*storage.Snapshot, 0, len(st.s.snapshots))
	for _, snap := range st.s.snapshots {
		cp := *snap
		cp.Blob = append([]byte(nil), snap.Blob...)
		out = append(out, &cp)
	}
	return out, nil
}

func (st *snapshotStore) Delete(_ context.Context, groupID []byte) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	delete(st.s.snapshots, string(groupID))
	return nil
}

type welcomeStore struct{ s *Store }

func (st *welcomeStore) MarkUsed(_ context.Context, welcomeHash []byte) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	key := string(welcomeHash)
	if st.s.welcomes[key] {
		return coreerrors.New(coreerrors.KindConstraint, "welcome already consumed")
	}
	st.s.welcomes[key] = true
	return nil
}

func (st *welcomeStore) IsUsed(_ context.Context, welcomeHash []byte) (bool, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	return st.s.welcomes[string(welcomeHash)], nil
}
