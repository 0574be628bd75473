// Package crypto provides the core's primitive cryptographic operations:
// constant-time AEAD (ChaCha20-Poly1305), HKDF-SHA256, Ed25519 signing,
// X25519/HPKE, and SHA-256 hashing. Key material held in memory is
// zero-cleared on release, never relying on the garbage collector alone.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyType identifies the algorithm family of a KeyPair.
type KeyType string

const (
	KeyTypeEd25519 KeyType = "Ed25519"
	KeyTypeX25519  KeyType = "X25519"
)

// Common sentinel errors.
var (
	ErrInvalidSignature   = errors.New("crypto: invalid signature")
	ErrSignNotSupported   = errors.New("crypto: key type does not support signing")
	ErrVerifyNotSupported = errors.New("crypto: key type does not support verification")
	ErrKeyNotFound        = errors.New("crypto: key not found")
)

// KeyStorage persists local device/credential signing and HPKE keys by an
// opaque string ID. Implementations must be safe for concurrent use.
type KeyStorage interface {
	Store(id string, keyPair KeyPair) error
	Load(id string) (KeyPair, error)
	Delete(id string) error
	List() ([]string, error)
	Exists(id string) bool
}

// KeyPair is the common capability surface for both signing (Ed25519) and
// key-agreement (X25519) key pairs.
type KeyPair interface {
	PublicKey() crypto.PublicKey
	PublicKeyBytes() []byte
	Type() KeyType
	Sign(message []byte) ([]byte, error)
	Verify(message, signature []byte) error
	// Zeroize overwrites private key material held in memory.
	Zeroize()
}

// Zeroize overwrites b with zeros in place. Used on every secret byte slice
// at the end of its useful life (epoch secrets, derived AEAD keys, shared
// ECDH secrets) so it is not readable from a later heap scan.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// HKDFExtract implements HKDF-Extract(SHA-256, ikm, salt).
func HKDFExtract(salt, ikm []byte) []byte {
	prk := hkdf.Extract(sha256.New, ikm, salt)
	out := make([]byte, len(prk))
	copy(out, prk)
	return out
}

// HKDFExpand implements HKDF-Expand(SHA-256, prk, info) -> length bytes.
func HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HKDFExpandLabel implements the MLS-style "expand with label" construction:
// HKDF-Expand(secret, label || context, length), where label is prefixed
// with a fixed domain-separation tag so epoch-secret derivations for
// distinct purposes never collide.
func HKDFExpandLabel(secret []byte, label string, context []byte, length int) ([]byte, error) {
	info := make([]byte, 0, len("spacepanda mls 1.0 ")+len(label)+len(context))
	info = append(info, []byte("spacepanda mls 1.0 ")...)
	info = append(info, []byte(label)...)
	info = append(info, context...)
	return HKDFExpand(secret, info, length)
}

// Hash returns SHA-256(data).
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// AEADSeal encrypts plaintext with ChaCha20-Poly1305 under key, using the
// given 12-byte nonce and associated data. Nonces must never repeat under
// the same key: callers derive them from a counter or from
// fresh randomness plus an explicit domain tag, never from randomness alone
// within a single epoch's generation ratchet.
func AEADSeal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("crypto: bad nonce size")
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen decrypts ciphertext with ChaCha20-Poly1305 under key.
func AEADOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("crypto: bad nonce size")
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

// AEADNonceSize is the ChaCha20-Poly1305 nonce size (96 bits) used
// throughout the core: sealed-sender headers, message ciphertexts, metadata
// fields, and encrypted group snapshots.
const AEADNonceSize = chacha20poly1305.NonceSize

// AEADKeySize is the ChaCha20-Poly1305 key size (256 bits).
const AEADKeySize = chacha20poly1305.KeySize

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
