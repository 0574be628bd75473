package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/crypto/keys"
	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/keypackage"
	"github.com/spacepanda/core/storage"
	memstore "github.com/spacepanda/core/storage/memory"
)

type testDevice struct {
	identity []byte
	signing  *keys.Ed25519KeyPair
	init     *keys.X25519KeyPair
	svc      *Service
	store    *memstore.Store
}

func newTestDevice(t *testing.T, identity string) *testDevice {
	t.Helper()
	signing, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	initKey, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)

	store := memstore.NewStore()
	svc, err := New(Options{
		Store:      store,
		Identity:   []byte(identity),
		SigningKey: signing,
		MasterKey:  make([]byte, 32),
	})
	require.NoError(t, err)
	_, err = svc.Start(context.Background())
	require.NoError(t, err)

	return &testDevice{
		identity: []byte(identity),
		signing:  signing,
		init:     initKey,
		svc:      svc,
		store:    store,
	}
}

func (d *testDevice) keyPackage(t *testing.T) *keypackage.KeyPackage {
	t.Helper()
	kp := &keypackage.KeyPackage{
		ID: string(d.identity) + "-kp",
		Credential: corecrypto.BasicCredential{
			Identity:  d.identity,
			PublicKey: d.signing.PublicKeyBytes(),
		},
		InitKey:     d.init.PublicKeyBytes(),
		CipherSuite: corecrypto.DefaultCipherSuite,
		NotAfter:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	sig, err := d.signing.Sign(kp.SigningContent())
	require.NoError(t, err)
	kp.LeafNodeSig = sig
	return kp
}

func TestEnvelopeBinaryRoundTrip(t *testing.T) {
	env := &MlsEnvelope{Kind: EnvelopeKindMessage, Payload: []byte("payload")}
	decoded, err := DecodeEnvelope(env.Encode())
	require.NoError(t, err)
	assert.Equal(t, env.Kind, decoded.Kind)
	assert.Equal(t, env.Payload, decoded.Payload)
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("XXXX\x01\x00\x00\x00\x00"))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte("MLS1"))
	assert.Error(t, err)
	// Length mismatch.
	env := (&MlsEnvelope{Kind: EnvelopeKindMessage, Payload: []byte("abc")}).Encode()
	_, err = DecodeEnvelope(env[:len(env)-1])
	assert.Error(t, err)
	// Unknown kind.
	bad := (&MlsEnvelope{Kind: EnvelopeKind(9), Payload: nil}).Encode()
	_, err = DecodeEnvelope(bad)
	assert.Error(t, err)
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	env := &MlsEnvelope{Kind: EnvelopeKindWelcome, Payload: []byte{0x01, 0x02}}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	decoded := new(MlsEnvelope)
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, env.Kind, decoded.Kind)
	assert.Equal(t, env.Payload, decoded.Payload)
}

func TestBusDropsOldestOnOverflow(t *testing.T) {
	bus := NewBus(2)
	ch, cancel := bus.Subscribe(nil)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(&Event{Kind: EventMessageReceived, Epoch: uint64(i)})
	}
	// Buffer of 2: only the two newest remain.
	ev := <-ch
	assert.Equal(t, uint64(3), ev.Epoch)
	ev = <-ch
	assert.Equal(t, uint64(4), ev.Epoch)
}

func TestCreateSendReceive(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, "alice")
	bob := newTestDevice(t, "bob")

	groupID, err := alice.svc.CreateGroup(ctx, "general", storage.ChannelTypeGroup)
	require.NoError(t, err)

	commitFrame, welcomeFrame, err := alice.svc.AddMembers(ctx, groupID, []*keypackage.KeyPackage{bob.keyPackage(t)})
	require.NoError(t, err)
	require.NotNil(t, commitFrame)
	require.NotNil(t, welcomeFrame)

	welcomeEnv, err := DecodeEnvelope(welcomeFrame)
	require.NoError(t, err)
	joinedID, err := bob.svc.JoinGroup(ctx, welcomeEnv.Payload, bob.keyPackage(t), bob.init)
	require.NoError(t, err)
	assert.Equal(t, groupID, joinedID)

	events, cancel := bob.svc.Subscribe(func(ev *Event) bool { return ev.Kind == EventMessageReceived })
	defer cancel()

	frame, err := alice.svc.Send(ctx, groupID, []byte("hello"))
	require.NoError(t, err)

	effect, err := bob.svc.ProcessIncoming(ctx, "alice-peer", frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), effect.Plaintext)
	assert.Equal(t, alice.svc.groups[string(groupID)].handle.OwnLeafIndex(), effect.Sender)

	ev := <-events
	assert.Equal(t, []byte("hello"), ev.Plaintext)
}

func TestJoinGroupRejectsReplayedWelcome(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, "alice")
	bob := newTestDevice(t, "bob")

	groupID, err := alice.svc.CreateGroup(ctx, "general", storage.ChannelTypeGroup)
	require.NoError(t, err)
	_, welcomeFrame, err := alice.svc.AddMembers(ctx, groupID, []*keypackage.KeyPackage{bob.keyPackage(t)})
	require.NoError(t, err)

	welcomeEnv, err := DecodeEnvelope(welcomeFrame)
	require.NoError(t, err)
	_, err = bob.svc.JoinGroup(ctx, welcomeEnv.Payload, bob.keyPackage(t), bob.init)
	require.NoError(t, err)

	_, err = bob.svc.JoinGroup(ctx, welcomeEnv.Payload, bob.keyPackage(t), bob.init)
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerrors.KindReplayedWelcome, kind)
}

func TestRestartRecoveryResumesGroup(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, "alice")

	groupID, err := alice.svc.CreateGroup(ctx, "general", storage.ChannelTypeGroup)
	require.NoError(t, err)
	require.NoError(t, alice.svc.Shutdown(ctx))

	// A fresh service over the same store resumes the group.
	svc, err := New(Options{
		Store:      alice.store,
		Identity:   alice.identity,
		SigningKey: alice.signing,
		MasterKey:  make([]byte, 32),
	})
	require.NoError(t, err)
	report, err := svc.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryFull, report.Mode)
	assert.Equal(t, 1, report.Resumed)

	// The resumed handle can still send.
	_, err = svc.Send(ctx, groupID, []byte("after restart"))
	require.NoError(t, err)
}

func TestCorruptSnapshotQuarantinesGroupOnly(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, "alice")

	goodID, err := alice.svc.CreateGroup(ctx, "good", storage.ChannelTypeGroup)
	require.NoError(t, err)
	badID, err := alice.svc.CreateGroup(ctx, "bad", storage.ChannelTypeGroup)
	require.NoError(t, err)
	require.NoError(t, alice.svc.Shutdown(ctx))

	// Corrupt the bad group's stored blob.
	snap, err := alice.store.Snapshots().Load(ctx, badID)
	require.NoError(t, err)
	snap.Blob[len(snap.Blob)-1] ^= 0xFF
	require.NoError(t, alice.store.Snapshots().Save(ctx, snap))

	svc, err := New(Options{
		Store:      alice.store,
		Identity:   alice.identity,
		SigningKey: alice.signing,
		MasterKey:  make([]byte, 32),
	})
	require.NoError(t, err)
	report, err := svc.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryMetadataOnly, report.Mode)
	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 1, report.Quarantined)

	_, err = svc.Send(ctx, goodID, []byte("ok"))
	require.NoError(t, err)
	_, err = svc.Send(ctx, badID, []byte("nope"))
	require.Error(t, err)

	h := svc.Health(ctx)
	assert.Equal(t, Degraded, h.State)
	assert.Len(t, svc.QuarantinedGroups(), 1)
}

func TestShutdownRejectsNewOperations(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, "alice")

	_, err := alice.svc.CreateGroup(ctx, "general", storage.ChannelTypeGroup)
	require.NoError(t, err)
	require.NoError(t, alice.svc.Shutdown(ctx))

	_, err = alice.svc.CreateGroup(ctx, "another", storage.ChannelTypeGroup)
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerrors.KindServiceUnavailable, kind)

	h := alice.svc.Health(ctx)
	assert.Equal(t, Unhealthy, h.State)
}

func TestHealthHealthyByDefault(t *testing.T) {
	alice := newTestDevice(t, "alice")
	h := alice.svc.Health(context.Background())
	assert.Equal(t, Healthy, h.State)
	assert.Empty(t, h.Reason)
}

func TestProcessIncomingFeedsBreaker(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, "alice")

	// Garbage frames fail parsing and count as peer failures; after the
	// default threshold (10) the breaker opens.
	for i := 0; i < 10; i++ {
		_, err := alice.svc.ProcessIncoming(ctx, "evil", []byte("not an envelope"))
		require.Error(t, err)
	}
	_, err := alice.svc.ProcessIncoming(ctx, "evil", []byte("not an envelope"))
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerrors.KindCircuitOpen, kind)
}
