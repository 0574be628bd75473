package memory

import (
	"context"
	"sort"
	"time"

	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/storage"
)

type channelStore struct{ s *Store }

func cloneChannel(ch *storage.Channel) *storage.Channel {
	cp := *ch
	cp.GroupID = append([]byte(nil), ch.GroupID...)
	cp.EncryptedName = append([]byte(nil), ch.EncryptedName...)
	if ch.EncryptedTopic != nil {
		cp.EncryptedTopic = append([]byte(nil), ch.EncryptedTopic...)
	}
	cp.EncryptedMembers = append([]byte(nil), ch.EncryptedMembers...)
	return &cp
}

func (st *channelStore) Save(_ context.Context, ch *storage.Channel) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	cp := cloneChannel(ch)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if existing, ok := st.s.channels[string(ch.GroupID)]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	st.s.channels[string(ch.GroupID)] = cp
	return nil
}

func (st *channelStore) Load(_ context.Context, groupID []byte) (*storage.Channel, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	ch, ok := st.s.channels[string(groupID)]
	if !ok {
		return nil, coreerrors.New(coreerrors.KindNotFound, "channel not found")
	}
	return cloneChannel(ch), nil
}

func (st *channelStore) List(_ context.Context, includeArchived bool) ([]*storage.Channel, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var out []*storage.Channel
	for _, ch := range st.s.channels {
		if ch.Archived && !includeArchived {
			continue
		}
		out = append(out, cloneChannel(ch))
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].GroupID) < string(out[j].GroupID)
	})
	return out, nil
}

func (st *channelStore) Archive(_ context.Context, groupID []byte) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	ch, ok := st.s.channels[string(groupID)]
	if !ok {
		return coreerrors.New(coreerrors.KindNotFound, "channel not found")
	}
	ch.Archived = true
	return nil
}

// Delete removes the channel and cascades to its messages, matching the
// sqlite backend's FK behavior.
func (st *channelStore) Delete(_ context.Context, groupID []byte) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	delete(st.s.channels, string(groupID))
	delete(st.s.messages, string(groupID))
	return nil
}
