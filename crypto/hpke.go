package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/hpke"
)

// hpkeSuite is the single HPKE ciphersuite used throughout the core:
// X25519 KEM, HKDF-SHA256, ChaCha20-Poly1305 AEAD.
var hpkeSuite = hpke.NewSuite(
	hpke.KEM_X25519_HKDF_SHA256,
	hpke.KDF_HKDF_SHA256,
	hpke.AEAD_ChaCha20Poly1305,
)

// HPKESeal encrypts a ratchet-tree path secret to a copath node's public
// key in HPKE Base mode (RFC 9180 §5.1), returning the encapsulated key and
// ciphertext. info binds the encryption to the sender's and recipient's tree
// positions and the group/epoch context so a sealed secret cannot be
// replayed into a different position or epoch.
func HPKESeal(recipientPub []byte, info, plaintext, aad []byte) (enc, ciphertext []byte, err error) {
	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	rp, err := kem.UnmarshalBinaryPublicKey(recipientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: unmarshal recipient public key: %w", err)
	}

	sender, err := hpkeSuite.NewSender(rp, info)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: new sender: %w", err)
	}

	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: setup: %w", err)
	}

	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: seal: %w", err)
	}
	return enc, ct, nil
}

// HPKEOpen reverses HPKESeal using the recipient's X25519 private key.
func HPKEOpen(recipientPriv *ecdh.PrivateKey, enc, info, ciphertext, aad []byte) ([]byte, error) {
	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	skR, err := kem.UnmarshalBinaryPrivateKey(recipientPriv.Bytes())
	if err != nil {
		return nil, fmt.Errorf("hpke: unmarshal recipient private key: %w", err)
	}

	receiver, err := hpkeSuite.NewReceiver(skR, info)
	if err != nil {
		return nil, fmt.Errorf("hpke: new receiver: %w", err)
	}

	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, fmt.Errorf("hpke: receiver setup: %w", err)
	}

	pt, err := opener.Open(ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("hpke: open: %w", err)
	}
	return pt, nil
}
