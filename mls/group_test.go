package mls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/crypto/keys"
	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/keypackage"
)

// member bundles the key material one test participant holds.
type member struct {
	identity []byte
	signing  *keys.Ed25519KeyPair
	init     *keys.X25519KeyPair
}

func newMember(t *testing.T, identity string) *member {
	t.Helper()
	signing, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	initKey, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	return &member{identity: []byte(identity), signing: signing, init: initKey}
}

func (m *member) keyPackage(t *testing.T) *keypackage.KeyPackage {
	t.Helper()
	kp := &keypackage.KeyPackage{
		ID: string(m.identity) + "-kp",
		Credential: corecrypto.BasicCredential{
			Identity:  m.identity,
			PublicKey: m.signing.PublicKeyBytes(),
		},
		InitKey:     m.init.PublicKeyBytes(),
		CipherSuite: corecrypto.DefaultCipherSuite,
		NotAfter:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	sig, err := m.signing.Sign(kp.SigningContent())
	require.NoError(t, err)
	kp.LeafNodeSig = sig
	return kp
}

func errKind(t *testing.T, err error) coreerrors.Kind {
	t.Helper()
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok, "error %v carries no kind", err)
	return kind
}

// addToGroup commits an Add for each newcomer and joins them all from the
// resulting Welcome, returning their handles and the commit wire bytes.
func addToGroup(t *testing.T, committer *GroupHandle, newcomers ...*member) ([]*GroupHandle, []byte) {
	t.Helper()
	kps := make([]*keypackage.KeyPackage, len(newcomers))
	for i, m := range newcomers {
		kps[i] = m.keyPackage(t)
		_, err := committer.ProposeAdd(kps[i])
		require.NoError(t, err)
	}
	commitBytes, welcomeBytes, err := committer.Commit(nil)
	require.NoError(t, err)
	require.NotNil(t, welcomeBytes)

	handles := make([]*GroupHandle, len(newcomers))
	for i, m := range newcomers {
		tracker := NewWelcomeTracker()
		gh, err := JoinFromWelcome(tracker, welcomeBytes, kps[i], m.init, m.signing)
		require.NoError(t, err)
		handles[i] = gh
	}
	return handles, commitBytes
}

func TestCreateSendReceive(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), aliceGroup.Epoch())

	handles, _ := addToGroup(t, aliceGroup, bob)
	bobGroup := handles[0]
	assert.Equal(t, uint64(1), aliceGroup.Epoch())
	assert.Equal(t, uint64(1), bobGroup.Epoch())

	frame, err := aliceGroup.Send([]byte("hello"))
	require.NoError(t, err)

	effect, err := bobGroup.ProcessIncoming(frame)
	require.NoError(t, err)
	assert.Equal(t, EffectApplication, effect.Kind)
	assert.Equal(t, []byte("hello"), effect.Plaintext)
	assert.Equal(t, aliceGroup.OwnLeafIndex(), effect.Sender)

	// Application traffic does not advance the epoch.
	assert.Equal(t, uint64(1), bobGroup.Epoch())
}

func TestBidirectionalTraffic(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	handles, _ := addToGroup(t, aliceGroup, bob)
	bobGroup := handles[0]

	for i := 0; i < 5; i++ {
		frame, err := bobGroup.Send([]byte{byte(i)})
		require.NoError(t, err)
		effect, err := aliceGroup.ProcessIncoming(frame)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, effect.Plaintext)
	}
}

func TestThreeMembersAndRemovePCS(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")
	carol := newMember(t, "carol")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	handles, _ := addToGroup(t, aliceGroup, bob, carol)
	bobGroup, carolGroup := handles[0], handles[1]
	epochBefore := aliceGroup.Epoch()

	// Bob records a message he sent at the current epoch, to replay later.
	oldFrame, err := bobGroup.Send([]byte("stale"))
	require.NoError(t, err)
	_, err = carolGroup.ProcessIncoming(oldFrame)
	require.NoError(t, err)

	// Alice removes Bob.
	_, err = aliceGroup.ProposeRemove(bobGroup.OwnLeafIndex())
	require.NoError(t, err)
	commitBytes, welcomeBytes, err := aliceGroup.Commit(nil)
	require.NoError(t, err)
	assert.Nil(t, welcomeBytes)
	assert.Equal(t, epochBefore+1, aliceGroup.Epoch())

	// Carol applies the commit and advances.
	effect, err := carolGroup.ProcessIncoming(commitBytes)
	require.NoError(t, err)
	assert.Equal(t, EffectMemberRemoved, effect.Kind)
	assert.Equal(t, epochBefore+1, carolGroup.Epoch())

	// Bob applies the commit and learns he is out.
	effect, err = bobGroup.ProcessIncoming(commitBytes)
	require.NoError(t, err)
	assert.Equal(t, EffectMemberRemoved, effect.Kind)

	// Bob's replayed old-epoch frame is dropped by Carol.
	_, err = carolGroup.ProcessIncoming(oldFrame)
	assert.Equal(t, coreerrors.KindWrongEpoch, errKind(t, err))

	// Alice's new-epoch message reaches Carol but is useless to Bob.
	newFrame, err := aliceGroup.Send([]byte("fresh"))
	require.NoError(t, err)
	effect, err = carolGroup.ProcessIncoming(newFrame)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), effect.Plaintext)

	_, err = bobGroup.ProcessIncoming(newFrame)
	assert.Equal(t, coreerrors.KindNotAMember, errKind(t, err))

	// And Bob can no longer send.
	_, err = bobGroup.Send([]byte("ghost"))
	assert.Equal(t, coreerrors.KindNotAMember, errKind(t, err))
}

func TestDuplicateWelcomeRejected(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	kp := bob.keyPackage(t)
	_, err = aliceGroup.ProposeAdd(kp)
	require.NoError(t, err)
	_, welcomeBytes, err := aliceGroup.Commit(nil)
	require.NoError(t, err)

	tracker := NewWelcomeTracker()
	first, err := JoinFromWelcome(tracker, welcomeBytes, kp, bob.init, bob.signing)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Epoch())

	_, err = JoinFromWelcome(tracker, welcomeBytes, kp, bob.init, bob.signing)
	assert.Equal(t, coreerrors.KindReplayedWelcome, errKind(t, err))

	// The first handle is unaffected by the replay attempt.
	assert.Equal(t, uint64(1), first.Epoch())
}

func TestWrongEpochApplicationDropped(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	handles, _ := addToGroup(t, aliceGroup, bob)
	bobGroup := handles[0]

	frame, err := aliceGroup.Send([]byte("before"))
	require.NoError(t, err)

	// Bob advances past the frame's epoch via an update commit of his own.
	_, err = bobGroup.ProposeUpdate()
	require.NoError(t, err)
	_, _, err = bobGroup.Commit(nil)
	require.NoError(t, err)

	_, err = bobGroup.ProcessIncoming(frame)
	assert.Equal(t, coreerrors.KindWrongEpoch, errKind(t, err))
}

func TestEmptyCommitRejected(t *testing.T) {
	alice := newMember(t, "alice")
	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)

	// A solo group has no direct path, so a commit with no proposals has
	// neither proposals nor an update path.
	_, _, err = aliceGroup.Commit(nil)
	assert.Equal(t, coreerrors.KindEmptyCommit, errKind(t, err))
}

func TestDuplicateMemberRejected(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	addToGroup(t, aliceGroup, bob)

	// Adding the same key package again collides on both identity and
	// init key.
	_, err = aliceGroup.ProposeAdd(bob.keyPackage(t))
	require.NoError(t, err)
	_, _, err = aliceGroup.Commit(nil)
	assert.Equal(t, coreerrors.KindDuplicateMember, errKind(t, err))
}

func TestTamperedFrameRejected(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	handles, _ := addToGroup(t, aliceGroup, bob)
	bobGroup := handles[0]

	frame, err := aliceGroup.Send([]byte("payload"))
	require.NoError(t, err)

	mutated := append([]byte(nil), frame...)
	mutated[len(mutated)-1] ^= 0x01
	_, err = bobGroup.ProcessIncoming(mutated)
	require.Error(t, err)
}

func TestSealedSenderLengthIndependence(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")
	carol := newMember(t, "carol")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	handles, _ := addToGroup(t, aliceGroup, bob, carol)
	bobGroup := handles[0]

	// Same plaintext length, same epoch, different senders: the frames
	// must be indistinguishable by length, and the sender-data header is
	// fixed-width regardless of who sent.
	fromAlice, err := aliceGroup.Send([]byte("same-length-msg"))
	require.NoError(t, err)
	fromBob, err := bobGroup.Send([]byte("same-length-msg"))
	require.NoError(t, err)
	assert.Equal(t, len(fromAlice), len(fromBob))
}

func TestUpdateCommitRotatesAndKeepsMembership(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	handles, _ := addToGroup(t, aliceGroup, bob)
	bobGroup := handles[0]

	// Alice rotates via an empty commit (implicit self-update path).
	commitBytes, welcome, err := aliceGroup.Commit(nil)
	require.NoError(t, err)
	assert.Nil(t, welcome)

	effect, err := bobGroup.ProcessIncoming(commitBytes)
	require.NoError(t, err)
	assert.Equal(t, EffectEpochAdvanced, effect.Kind)
	assert.Equal(t, aliceGroup.Epoch(), bobGroup.Epoch())

	// Traffic still flows both ways at the new epoch.
	frame, err := aliceGroup.Send([]byte("post-rotation"))
	require.NoError(t, err)
	effect, err = bobGroup.ProcessIncoming(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("post-rotation"), effect.Plaintext)

	frame, err = bobGroup.Send([]byte("ack"))
	require.NoError(t, err)
	effect, err = aliceGroup.ProcessIncoming(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("ack"), effect.Plaintext)
}

func TestProposalFromPeerIsQueuedAndCommitted(t *testing.T) {
	alice := newMember(t, "alice")
	bob := newMember(t, "bob")
	carol := newMember(t, "carol")

	aliceGroup, err := Create(alice.identity, alice.signing, corecrypto.DefaultCipherSuite)
	require.NoError(t, err)
	handles, _ := addToGroup(t, aliceGroup, bob)
	bobGroup := handles[0]

	// Bob proposes adding Carol; Alice receives the proposal and commits.
	carolKP := carol.keyPackage(t)
	proposalFrame, err := bobGroup.ProposeAdd(carolKP)
	require.NoError(t, err)

	effect, err := aliceGroup.ProcessIncoming(proposalFrame)
	require.NoError(t, err)
	assert.Equal(t, EffectProposalAccepted, effect.Kind)

	commitBytes, welcomeBytes, err := aliceGroup.Commit(nil)
	require.NoError(t, err)
	require.NotNil(t, welcomeBytes)

	effect, err = bobGroup.ProcessIncoming(commitBytes)
	require.NoError(t, err)
	assert.Equal(t, EffectMemberAdded, effect.Kind)

	carolGroup, err := JoinFromWelcome(NewWelcomeTracker(), welcomeBytes, carolKP, carol.init, carol.signing)
	require.NoError(t, err)
	assert.Equal(t, aliceGroup.Epoch(), carolGroup.Epoch())

	// All three exchange a message.
	frame, err := carolGroup.Send([]byte("hi all"))
	require.NoError(t, err)
	effect, err = aliceGroup.ProcessIncoming(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi all"), effect.Plaintext)
	effect, err = bobGroup.ProcessIncoming(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi all"), effect.Plaintext)
}
