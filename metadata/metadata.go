// Package metadata encrypts channel metadata fields (names, topics, member
// lists) at rest. Each group gets its own key derived from the group id, so
// a compromised key for one channel reveals nothing about another.
package metadata

import (
	corecrypto "github.com/spacepanda/core/crypto"
	coreerrors "github.com/spacepanda/core/errors"
)

// appSalt is the deployment-wide HKDF salt for metadata key derivation.
// Rotating it invalidates every stored ciphertext, so it is a compile-time
// constant rather than configuration.
var appSalt = []byte("spacepanda-metadata-salt-v1")

const derivationLabel = "metadata-encryption-v1"

// Cipher encrypts and decrypts metadata fields for a single group.
type Cipher struct {
	key []byte
}

// NewCipher derives the per-group metadata key:
// HKDF(salt=appSalt, ikm=groupID).expand(derivationLabel, 32).
// Derivation is deterministic: the same group id always yields the same key.
func NewCipher(groupID []byte) (*Cipher, error) {
	prk := corecrypto.HKDFExtract(appSalt, groupID)
	key, err := corecrypto.HKDFExpand(prk, []byte(derivationLabel), corecrypto.AEADKeySize)
	corecrypto.Zeroize(prk)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindKdfFailure, "metadata key derivation failed", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext under the group's metadata key with a fresh
// random 96-bit nonce. The nonce is prepended to the ciphertext, so equal
// plaintexts never produce equal ciphertexts and the output leaks only the
// plaintext length.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce, err := corecrypto.RandomBytes(corecrypto.AEADNonceSize)
	if err != nil {
		return nil, err
	}
	sealed, err := corecrypto.AEADSeal(c.key, nonce, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(nonce, sealed...), nil
}

// Decrypt reverses Encrypt. A flipped bit anywhere in the input fails the
// AEAD tag check.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < corecrypto.AEADNonceSize+16 {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "metadata ciphertext too short")
	}
	nonce := ciphertext[:corecrypto.AEADNonceSize]
	pt, err := corecrypto.AEADOpen(c.key, nonce, ciphertext[corecrypto.AEADNonceSize:], nil)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindAeadAuthFailed, "metadata decryption failed", err)
	}
	return pt, nil
}

// Zeroize clears the derived key.
func (c *Cipher) Zeroize() {
	corecrypto.Zeroize(c.key)
}
