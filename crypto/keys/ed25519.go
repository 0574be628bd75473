// SPDX-License-Identifier: LGPL-3.0-or-later

package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"

	corecrypto "github.com/spacepanda/core/crypto"
)

// Ed25519KeyPair implements corecrypto.KeyPair for Ed25519 signing keys. It
// backs member credentials and the signature over every MLS handshake
// message.
type Ed25519KeyPair struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// GenerateEd25519KeyPair generates a new Ed25519 signing key pair.
func GenerateEd25519KeyPair() (*Ed25519KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519KeyPair{privateKey: privateKey, publicKey: publicKey}, nil
}

// Ed25519KeyPairFromSeed reconstructs a key pair from a 32-byte seed, used
// when restoring a credential's signing key from sealed storage.
func Ed25519KeyPairFromSeed(seed []byte) (*Ed25519KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, corecrypto.ErrInvalidSignature
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519KeyPair{privateKey: priv, publicKey: priv.Public().(ed25519.PublicKey)}, nil
}

func (kp *Ed25519KeyPair) PublicKey() crypto.PublicKey { return kp.publicKey }

func (kp *Ed25519KeyPair) PublicKeyBytes() []byte {
	return append([]byte(nil), kp.publicKey...)
}

func (kp *Ed25519KeyPair) Type() corecrypto.KeyType { return corecrypto.KeyTypeEd25519 }

func (kp *Ed25519KeyPair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(kp.privateKey, message), nil
}

func (kp *Ed25519KeyPair) Verify(message, signature []byte) error {
	if !ed25519.Verify(kp.publicKey, message, signature) {
		return corecrypto.ErrInvalidSignature
	}
	return nil
}

// Zeroize overwrites the private key bytes.
func (kp *Ed25519KeyPair) Zeroize() {
	corecrypto.Zeroize(kp.privateKey)
}

// VerifyEd25519 verifies a detached signature against a raw public key,
// used when validating a signature over a KeyPackage or handshake message
// where no KeyPair has been reconstructed.
func VerifyEd25519(publicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return corecrypto.ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return corecrypto.ErrInvalidSignature
	}
	return nil
}
