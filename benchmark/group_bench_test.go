package benchmark

import (
	"testing"
	"time"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/crypto/keys"
	"github.com/spacepanda/core/keypackage"
	"github.com/spacepanda/core/mls"
)

func benchKeyPackage(b *testing.B, identity string) (*keypackage.KeyPackage, *keys.X25519KeyPair, *keys.Ed25519KeyPair) {
	b.Helper()
	signing, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		b.Fatal(err)
	}
	initKey, err := keys.GenerateX25519KeyPair()
	if err != nil {
		b.Fatal(err)
	}
	kp := &keypackage.KeyPackage{
		ID: identity + "-kp",
		Credential: corecrypto.BasicCredential{
			Identity:  []byte(identity),
			PublicKey: signing.PublicKeyBytes(),
		},
		InitKey:     initKey.PublicKeyBytes(),
		CipherSuite: corecrypto.DefaultCipherSuite,
		NotAfter:    time.Now().Add(time.Hour),
	}
	sig, err := signing.Sign(kp.SigningContent())
	if err != nil {
		b.Fatal(err)
	}
	kp.LeafNodeSig = sig
	return kp, initKey, signing
}

// twoMemberGroup builds a sender/receiver pair sharing one group.
func twoMemberGroup(b *testing.B) (*mls.GroupHandle, *mls.GroupHandle) {
	b.Helper()
	signing, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		b.Fatal(err)
	}
	group, err := mls.Create([]byte("bench-alice"), signing, corecrypto.DefaultCipherSuite)
	if err != nil {
		b.Fatal(err)
	}
	kp, initKey, memberSigning := benchKeyPackage(b, "bench-bob")
	if _, err := group.ProposeAdd(kp); err != nil {
		b.Fatal(err)
	}
	_, welcome, err := group.Commit(nil)
	if err != nil {
		b.Fatal(err)
	}
	peer, err := mls.JoinFromWelcome(mls.NewWelcomeTracker(), welcome, kp, initKey, memberSigning)
	if err != nil {
		b.Fatal(err)
	}
	return group, peer
}

// BenchmarkGroupSend benchmarks sealing one application message
func BenchmarkGroupSend(b *testing.B) {
	group, _ := twoMemberGroup(b)
	payload := make([]byte, 256)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := group.Send(payload); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkGroupSendReceive benchmarks the full seal-then-open round trip
func BenchmarkGroupSendReceive(b *testing.B) {
	group, peer := twoMemberGroup(b)
	payload := make([]byte, 256)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		frame, err := group.Send(payload)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := peer.ProcessIncoming(frame); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCommit benchmarks an empty (self-update) commit, the dominant
// cost of every membership change
func BenchmarkCommit(b *testing.B) {
	signing, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		b.Fatal(err)
	}
	group, err := mls.Create([]byte("bench-alice"), signing, corecrypto.DefaultCipherSuite)
	if err != nil {
		b.Fatal(err)
	}
	kp, _, _ := benchKeyPackage(b, "bench-peer")
	if _, err := group.ProposeAdd(kp); err != nil {
		b.Fatal(err)
	}
	if _, _, err := group.Commit(nil); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := group.Commit(nil); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSnapshot benchmarks capturing resumable group state
func BenchmarkSnapshot(b *testing.B) {
	group, _ := twoMemberGroup(b)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := group.Snapshot(); err != nil {
			b.Fatal(err)
		}
	}
}
