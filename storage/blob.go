package storage

import (
	"bytes"

	corecrypto "github.com/spacepanda/core/crypto"
	coreerrors "github.com/spacepanda/core/errors"
)

// Encrypted snapshot blob layout:
//
//	magic "MLSS" | version u8 | salt 16B | nonce 12B | AEAD ciphertext
//
// The key is derived per blob from the application master key and the
// fresh random salt, with the group id folded into the derivation so a
// blob copied between groups never decrypts. The whole header is bound as
// AEAD associated data; any tampering surfaces as BlobIntegrityFailed.

var blobMagic = []byte("MLSS")

const (
	blobVersion   = 1
	blobSaltSize  = 16
	blobHeaderLen = 4 + 1 + blobSaltSize + corecrypto.AEADNonceSize
)

func deriveBlobKey(masterKey, salt, groupID []byte) ([]byte, error) {
	prk := corecrypto.HKDFExtract(salt, masterKey)
	defer corecrypto.Zeroize(prk)
	key, err := corecrypto.HKDFExpand(prk, append([]byte("snapshot-encryption-v1"), groupID...), corecrypto.AEADKeySize)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindKdfFailure, "snapshot key derivation failed", err)
	}
	return key, nil
}

// EncryptBlob seals a serialized group state for storage at rest.
func EncryptBlob(masterKey, groupID, plaintext []byte) ([]byte, error) {
	salt, err := corecrypto.RandomBytes(blobSaltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := corecrypto.RandomBytes(corecrypto.AEADNonceSize)
	if err != nil {
		return nil, err
	}
	key, err := deriveBlobKey(masterKey, salt, groupID)
	if err != nil {
		return nil, err
	}
	defer corecrypto.Zeroize(key)

	header := make([]byte, 0, blobHeaderLen)
	header = append(header, blobMagic...)
	header = append(header, blobVersion)
	header = append(header, salt...)
	header = append(header, nonce...)

	sealed, err := corecrypto.AEADSeal(key, nonce, plaintext, header)
	if err != nil {
		return nil, err
	}
	return append(header, sealed...), nil
}

// DecryptBlob reverses EncryptBlob, authenticating the header alongside the
// ciphertext.
func DecryptBlob(masterKey, groupID, blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderLen+16 {
		return nil, coreerrors.New(coreerrors.KindBlobIntegrityFailed, "snapshot blob truncated")
	}
	if !bytes.Equal(blob[:4], blobMagic) {
		return nil, coreerrors.New(coreerrors.KindBlobIntegrityFailed, "snapshot blob has wrong magic")
	}
	if blob[4] != blobVersion {
		return nil, coreerrors.New(coreerrors.KindBlobIntegrityFailed, "snapshot blob has unknown version")
	}
	header := blob[:blobHeaderLen]
	salt := blob[5 : 5+blobSaltSize]
	nonce := blob[5+blobSaltSize : blobHeaderLen]

	key, err := deriveBlobKey(masterKey, salt, groupID)
	if err != nil {
		return nil, err
	}
	defer corecrypto.Zeroize(key)

	pt, err := corecrypto.AEADOpen(key, nonce, blob[blobHeaderLen:], header)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindBlobIntegrityFailed, "snapshot blob failed authentication", err)
	}
	return pt, nil
}
