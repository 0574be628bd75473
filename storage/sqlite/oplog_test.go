package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacepanda/core/crdt"
	"github.com/spacepanda/core/crypto/keys"
	coreerrors "github.com/spacepanda/core/errors"
)

func opLogResolver(t *testing.T, kp *keys.Ed25519KeyPair) crdt.KeyResolver {
	t.Helper()
	return func(string) ([]byte, error) { return kp.PublicKeyBytes(), nil }
}

func TestOpLogPersistsAcrossReplicas(t *testing.T) {
	s := openTestStore(t)
	channelID := []byte("chan-1")

	deviceKey, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	r1 := crdt.NewReplica(channelID, "d1", deviceKey, opLogResolver(t, deviceKey))
	require.NoError(t, r1.WithJournal(s.NewOpLog(channelID)))

	_, err = r1.SetField("name", []byte("general"), 1)
	require.NoError(t, err)
	_, err = r1.AddMember([]byte("alice"))
	require.NoError(t, err)

	// A fresh replica over the same journal rebuilds the state.
	r2 := crdt.NewReplica(channelID, "d1", deviceKey, opLogResolver(t, deviceKey))
	require.NoError(t, r2.WithJournal(s.NewOpLog(channelID)))

	v, ok := r2.State().Field("name")
	require.True(t, ok)
	assert.Equal(t, []byte("general"), v)
	assert.True(t, r2.State().HasMember([]byte("alice")))
	assert.Equal(t, r1.Clock(), r2.Clock())
}

func TestOpLogRejectsDuplicateAppend(t *testing.T) {
	s := openTestStore(t)
	channelID := []byte("chan-1")

	deviceKey, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	r := crdt.NewReplica(channelID, "d1", deviceKey, opLogResolver(t, deviceKey))
	log := s.NewOpLog(channelID)
	require.NoError(t, r.WithJournal(log))

	op, err := r.SetField("name", []byte("x"), 1)
	require.NoError(t, err)

	err = log.Append(op)
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerrors.KindConstraint, kind)
}

func TestOpLogPruneAfterCompaction(t *testing.T) {
	s := openTestStore(t)
	channelID := []byte("chan-1")

	deviceKey, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	r := crdt.NewReplica(channelID, "d1", deviceKey, opLogResolver(t, deviceKey))
	require.NoError(t, r.WithJournal(s.NewOpLog(channelID)))

	for i := 0; i < 4; i++ {
		_, err := r.SetField("name", []byte{byte(i)}, uint64(i))
		require.NoError(t, err)
	}

	snap, pruned := r.Compact()
	assert.Equal(t, 4, pruned)

	// The journal drained; a restored replica relies on the snapshot.
	ops, err := s.NewOpLog(channelID).Load()
	require.NoError(t, err)
	assert.Empty(t, ops)

	fresh := crdt.NewReplica(channelID, "d1", deviceKey, opLogResolver(t, deviceKey))
	fresh.Restore(snap)
	require.NoError(t, fresh.WithJournal(s.NewOpLog(channelID)))
	v, ok := fresh.State().Field("name")
	require.True(t, ok)
	assert.Equal(t, []byte{3}, v)
}
