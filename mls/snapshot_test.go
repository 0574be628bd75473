package mls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/internal/wireutil"
)

func TestSnapshotRoundTripResumesGroup(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	handles, _ := addToGroup(t, aliceGroup, bob)
	bobGroup := handles[0]

	snap, err := aliceGroup.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, aliceGroup.Epoch(), snap.Epoch)
	assert.Equal(t, aliceGroup.GroupID(), snap.GroupID)
	assert.Len(t, snap.Members, 2)

	data, err := wireutil.Marshal(snap)
	require.NoError(t, err)
	decoded := new(Snapshot)
	require.NoError(t, wireutil.Unmarshal(data, decoded))

	resumed, err := Resume(decoded, alice.signing)
	require.NoError(t, err)
	assert.Equal(t, aliceGroup.Epoch(), resumed.Epoch())
	assert.Equal(t, aliceGroup.OwnLeafIndex(), resumed.OwnLeafIndex())

	// The resumed handle sends and the live peer decrypts.
	frame, err := resumed.Send([]byte("from the resumed handle"))
	require.NoError(t, err)
	effect, err := bobGroup.ProcessIncoming(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("from the resumed handle"), effect.Plaintext)
}

func TestSnapshotPreservesGenerationCounters(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	handles, _ := addToGroup(t, aliceGroup, bob)
	bobGroup := handles[0]

	// Send twice so the generation counter is nonzero, then snapshot.
	for i := 0; i < 2; i++ {
		frame, err := aliceGroup.Send([]byte{byte(i)})
		require.NoError(t, err)
		_, err = bobGroup.ProcessIncoming(frame)
		require.NoError(t, err)
	}

	snap, err := aliceGroup.Snapshot()
	require.NoError(t, err)
	resumed, err := Resume(snap, alice.signing)
	require.NoError(t, err)

	// A message from the resumed handle must use a fresh generation, not
	// reuse one bob has already seen.
	frame, err := resumed.Send([]byte("no reuse"))
	require.NoError(t, err)
	effect, err := bobGroup.ProcessIncoming(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("no reuse"), effect.Plaintext)
}

func TestResumeRejectsEpochMismatch(t *testing.T) {
	alice := newMember(t, "alice")
	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)

	snap, err := aliceGroup.Snapshot()
	require.NoError(t, err)
	snap.Epoch++
	_, err = Resume(snap, alice.signing)
	assert.Error(t, err)
}

func TestResumeRejectsGarbageState(t *testing.T) {
	alice := newMember(t, "alice")
	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)

	snap, err := aliceGroup.Snapshot()
	require.NoError(t, err)
	snap.State = snap.State[:len(snap.State)/2]
	_, err = Resume(snap, alice.signing)
	assert.Error(t, err)
}
