// SPDX-License-Identifier: LGPL-3.0-or-later

package keys

import (
	"crypto"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	corecrypto "github.com/spacepanda/core/crypto"
)

// X25519KeyPair holds an X25519 private key and its public key, used for
// HPKE-Base encryption of ratchet-tree update-path secrets.
type X25519KeyPair struct {
	privateKey *ecdh.PrivateKey
	publicKey  *ecdh.PublicKey
}

// GenerateX25519KeyPair generates a new X25519 key pair.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	privateKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return &X25519KeyPair{privateKey: privateKey, publicKey: privateKey.PublicKey()}, nil
}

// X25519KeyPairFromPrivateBytes reconstructs a key pair from a raw 32-byte
// scalar, used when restoring a leaf node's HPKE key from sealed storage.
func X25519KeyPairFromPrivateBytes(raw []byte) (*X25519KeyPair, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse x25519 private key: %w", err)
	}
	return &X25519KeyPair{privateKey: priv, publicKey: priv.PublicKey()}, nil
}

func (kp *X25519KeyPair) PublicKey() crypto.PublicKey { return kp.publicKey }

func (kp *X25519KeyPair) PublicKeyBytes() []byte {
	return append([]byte(nil), kp.publicKey.Bytes()...)
}

func (kp *X25519KeyPair) PrivateKeyBytes() []byte {
	return append([]byte(nil), kp.privateKey.Bytes()...)
}

// ECDHPrivateKey exposes the underlying *ecdh.PrivateKey for use by the HPKE
// wrapper in this package's parent (crypto.HPKESeal/HPKEOpen).
func (kp *X25519KeyPair) ECDHPrivateKey() *ecdh.PrivateKey { return kp.privateKey }

func (kp *X25519KeyPair) Type() corecrypto.KeyType { return corecrypto.KeyTypeX25519 }

// Sign is unsupported: X25519 keys are for key agreement only; credentials
// use Ed25519 for signing.
func (kp *X25519KeyPair) Sign(message []byte) ([]byte, error) {
	return nil, corecrypto.ErrSignNotSupported
}

// Verify is unsupported; see Sign.
func (kp *X25519KeyPair) Verify(message, signature []byte) error {
	return corecrypto.ErrVerifyNotSupported
}

// Zeroize overwrites the copy of the raw private scalar that
// ecdh.PrivateKey.Bytes returns. The ecdh.PrivateKey itself is immutable
// once constructed and keeps its own copy, which this does not clear;
// callers that need the scalar gone from the process should drop this
// KeyPair's only reference immediately after.
func (kp *X25519KeyPair) Zeroize() {
	b := kp.privateKey.Bytes()
	corecrypto.Zeroize(b)
}

// DeriveSharedSecret computes SHA-256(ECDH(ourPrivate, peerPublic)), rejecting
// low-order/identity points in constant time.
func (kp *X25519KeyPair) DeriveSharedSecret(peerPubBytes []byte) ([]byte, error) {
	peerPub, err := ecdh.X25519().NewPublicKey(peerPubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	raw, err := kp.privateKey.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(raw, zero[:]) == 1 {
		return nil, fmt.Errorf("x25519: low-order or identity point")
	}
	return corecrypto.Hash(raw), nil
}
