package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/storage"
)

func TestSnapshotEpochMonotonicity(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Snapshots().Save(ctx, &storage.Snapshot{GroupID: []byte("g"), Epoch: 2, Blob: []byte("b")}))
	err := s.Snapshots().Save(ctx, &storage.Snapshot{GroupID: []byte("g"), Epoch: 1, Blob: []byte("a")})
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerrors.KindConstraint, kind)
}

func TestMessagePagingNewestFirst(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	groupID := []byte("g")

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.Messages().Save(ctx, &storage.Message{
			MessageID: fmt.Sprintf("m%d", i),
			GroupID:   groupID,
			Sequence:  int64(i),
		}))
	}

	page, err := s.Messages().Page(ctx, groupID, 3, 2)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(8), page[0].Sequence)
	assert.Equal(t, int64(6), page[2].Sequence)
}

func TestDeleteCascades(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	groupID := []byte("g")

	require.NoError(t, s.Channels().Save(ctx, &storage.Channel{
		GroupID:          groupID,
		EncryptedName:    []byte{1},
		EncryptedMembers: []byte{2},
		ChannelType:      storage.ChannelTypeGroup,
	}))
	require.NoError(t, s.Messages().Save(ctx, &storage.Message{MessageID: "m1", GroupID: groupID, Sequence: 1}))

	require.NoError(t, s.Channels().Delete(ctx, groupID))
	page, err := s.Messages().Page(ctx, groupID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestWelcomeReplay(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Welcomes().MarkUsed(ctx, []byte("w")))
	err := s.Welcomes().MarkUsed(ctx, []byte("w"))
	assert.Error(t, err)

	used, err := s.Welcomes().IsUsed(ctx, []byte("w"))
	require.NoError(t, err)
	assert.True(t, used)
}
