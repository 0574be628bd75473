package memory

import (
	"context"
	"sort"

	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/storage"
)

type messageStore struct{ s *Store }

func cloneMessage(m *storage.Message) *storage.Message {
	cp := *m
	cp.GroupID = append([]byte(nil), m.GroupID...)
	cp.EncryptedContent = append([]byte(nil), m.EncryptedContent...)
	cp.SenderHash = append([]byte(nil), m.SenderHash...)
	return &cp
}

func (st *messageStore) Save(_ context.Context, msg *storage.Message) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	key := string(msg.GroupID)
	for _, existing := range st.s.messages[key] {
		if existing.MessageID == msg.MessageID {
			return coreerrors.New(coreerrors.KindConstraint, "duplicate message id")
		}
	}
	st.s.messages[key] = append(st.s.messages[key], cloneMessage(msg))
	return nil
}

func (st *messageStore) Page(_ context.Context, groupID []byte, limit, offset int) ([]*storage.Message, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	msgs := append([]*storage.Message(nil), st.s.messages[string(groupID)]...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence > msgs[j].Sequence })
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if limit < len(msgs) {
		msgs = msgs[:limit]
	}
	out := make([]*storage.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (st *messageStore) MarkProcessed(_ context.Context, messageID string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, msgs := range st.s.messages {
		for _, m := range msgs {
			if m.MessageID == messageID {
				m.Processed = true
				return nil
			}
		}
	}
	return coreerrors.New(coreerrors.KindNotFound, "message not found")
}

func (st *messageStore) CountUnprocessed(_ context.Context, groupID []byte) (int64, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var n int64
	for _, m := range st.s.messages[string(groupID)] {
		if !m.Processed {
			n++
		}
	}
	return n, nil
}

func (st *messageStore) PruneToLast(_ context.Context, groupID []byte, n int) (int64, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	key := string(groupID)
	msgs := st.s.messages[key]
	if len(msgs) <= n {
		return 0, nil
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence > msgs[j].Sequence })
	removed := int64(len(msgs) - n)
	st.s.messages[key] = append([]*storage.Message(nil), msgs[:n]...)
	return removed, nil
}
