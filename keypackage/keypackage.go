// Package keypackage implements the key-package bundle and its store
// lifecycle: a published, single-use bundle consumed to add a member to a
// group.
package keypackage

import (
	"time"

	"golang.org/x/crypto/cryptobyte"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/crypto/keys"
	"github.com/spacepanda/core/internal/wireutil"
)

// KeyPackage is a published bundle consumed once to add a member.
type KeyPackage struct {
	ID          string
	Credential  corecrypto.BasicCredential
	InitKey     []byte // X25519 public key
	LeafNodeSig []byte // Ed25519 signature over the leaf node contents
	CipherSuite corecrypto.CipherSuite
	NotAfter    time.Time
	Extensions  map[string][]byte
}

// SigningContent returns the canonical bytes a leaf-node signature is
// computed over: credential identity, credential public key, init key,
// ciphersuite, and not-after. Extensions are intentionally excluded from
// the signed content so extension additions never require re-signing.
func (kp *KeyPackage) SigningContent() []byte {
	b := cryptobyte.NewBuilder(nil)
	wireutil.WriteOpaqueVec(b, kp.Credential.Identity)
	wireutil.WriteOpaqueVec(b, kp.Credential.PublicKey)
	wireutil.WriteOpaqueVec(b, kp.InitKey)
	b.AddUint16(uint16(kp.CipherSuite))
	b.AddUint64(uint64(kp.NotAfter.Unix()))
	out, _ := b.Bytes()
	return out
}

// Verify checks the credential's structural validity and the leaf-node
// signature over SigningContent.
func (kp *KeyPackage) Verify() error {
	if err := kp.Credential.Validate(); err != nil {
		return err
	}
	if len(kp.InitKey) != 32 {
		return corecrypto.ErrInvalidSignature
	}
	return keys.VerifyEd25519(kp.Credential.PublicKey, kp.SigningContent(), kp.LeafNodeSig)
}

// Marshal serializes the key package for storage or transport.
func (kp *KeyPackage) Marshal(b *cryptobyte.Builder) {
	wireutil.WriteString(b, kp.ID)
	wireutil.WriteOpaqueVec(b, kp.Credential.Identity)
	wireutil.WriteOpaqueVec(b, kp.Credential.PublicKey)
	wireutil.WriteOpaqueVec(b, kp.InitKey)
	wireutil.WriteOpaqueVec(b, kp.LeafNodeSig)
	b.AddUint16(uint16(kp.CipherSuite))
	b.AddUint64(uint64(kp.NotAfter.Unix()))

	b.AddUint32(uint32(len(kp.Extensions)))
	for k, v := range kp.Extensions {
		wireutil.WriteString(b, k)
		wireutil.WriteOpaqueVec32(b, v)
	}
}

// Unmarshal parses a key package from its wire form.
func (kp *KeyPackage) Unmarshal(s *cryptobyte.String) error {
	*kp = KeyPackage{}
	if !wireutil.ReadString(s, &kp.ID) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &kp.Credential.Identity) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &kp.Credential.PublicKey) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &kp.InitKey) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &kp.LeafNodeSig) {
		return wireutil.ErrTruncated
	}
	var suite uint16
	if !s.ReadUint16(&suite) {
		return wireutil.ErrTruncated
	}
	kp.CipherSuite = corecrypto.CipherSuite(suite)
	var notAfter uint64
	if !s.ReadUint64(&notAfter) {
		return wireutil.ErrTruncated
	}
	kp.NotAfter = time.Unix(int64(notAfter), 0).UTC()

	kp.Extensions = make(map[string][]byte)
	var n uint32
	if !s.ReadUint32(&n) {
		return wireutil.ErrTruncated
	}
	for i := uint32(0); i < n; i++ {
		var k string
		var v []byte
		if !wireutil.ReadString(s, &k) {
			return wireutil.ErrTruncated
		}
		if !wireutil.ReadOpaqueVec32(s, &v) {
			return wireutil.ErrTruncated
		}
		kp.Extensions[k] = v
	}
	return nil
}

// Expired reports whether kp's lifetime has elapsed as of now.
func (kp *KeyPackage) Expired(now time.Time) bool {
	return now.After(kp.NotAfter)
}
