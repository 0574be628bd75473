package mls

import (
	"encoding/binary"

	corecrypto "github.com/spacepanda/core/crypto"
	coreerrors "github.com/spacepanda/core/errors"
)

// senderDataPlaintext is the 12-byte plaintext carried inside a sealed
// sender-data header: leaf index, generation, and
// a reuse guard that makes the derived AEAD nonce unique per message.
type senderDataPlaintext struct {
	LeafIndex  uint32
	Generation uint32
	ReuseGuard [4]byte
}

func (sd *senderDataPlaintext) encode() []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], sd.LeafIndex)
	binary.BigEndian.PutUint32(out[4:8], sd.Generation)
	copy(out[8:12], sd.ReuseGuard[:])
	return out
}

func decodeSenderDataPlaintext(b []byte) (*senderDataPlaintext, error) {
	if len(b) != 12 {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "sender data: wrong plaintext length")
	}
	sd := &senderDataPlaintext{
		LeafIndex:  binary.BigEndian.Uint32(b[0:4]),
		Generation: binary.BigEndian.Uint32(b[4:8]),
	}
	copy(sd.ReuseGuard[:], b[8:12])
	return sd, nil
}

// senderDataHeaderSize is the fixed wire size of a sealed sender-data header
// : a 4-byte reuse guard prefix plus the 28-byte AEAD output
// (12-byte plaintext + 16-byte tag) of encrypting senderDataPlaintext.
const senderDataHeaderSize = 32

// senderDataKey derives the per-epoch key that seals/opens sender-data
// headers:
// HKDF-Expand(sender_data_secret, "sender_data" || epoch, 32).
func senderDataKey(senderDataSecret []byte, epoch uint64) ([]byte, error) {
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], epoch)
	return corecrypto.HKDFExpand(senderDataSecret, append([]byte("sender_data"), epochBuf[:]...), 32)
}

// sealSenderData hides the sender's identity and generation counter inside a
// fixed-length, indistinguishable-without-the-key header. Two messages with
// different senders but the same epoch always produce headers of identical
// size.
func sealSenderData(key []byte, leaf leafIndex, generation uint32) ([senderDataHeaderSize]byte, error) {
	var out [senderDataHeaderSize]byte
	reuseGuard, err := corecrypto.RandomBytes(4)
	if err != nil {
		return out, err
	}
	sd := &senderDataPlaintext{LeafIndex: uint32(leaf), Generation: generation}
	copy(sd.ReuseGuard[:], reuseGuard)

	nonce, err := corecrypto.HKDFExpand(key, append([]byte("sd-nonce"), reuseGuard...), corecrypto.AEADNonceSize)
	if err != nil {
		return out, err
	}
	ct, err := corecrypto.AEADSeal(key, nonce, sd.encode(), nil)
	if err != nil {
		return out, err
	}
	copy(out[0:4], reuseGuard)
	copy(out[4:], ct)
	return out, nil
}

// openSenderData reverses sealSenderData.
func openSenderData(key []byte, header [senderDataHeaderSize]byte) (*senderDataPlaintext, error) {
	reuseGuard := header[0:4]
	ct := header[4:]
	nonce, err := corecrypto.HKDFExpand(key, append([]byte("sd-nonce"), reuseGuard...), corecrypto.AEADNonceSize)
	if err != nil {
		return nil, err
	}
	pt, err := corecrypto.AEADOpen(key, nonce, ct, nil)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindAeadAuthFailed, "sender data: open failed", err)
	}
	return decodeSenderDataPlaintext(pt)
}

// senderChain tracks a single sender's generation ratchet within one epoch:
// each generation's (key, nonce) pair is derived from the chain key, which
// then advances irreversibly, giving each application message its own
// single-use key.
type senderChain struct {
	chainKey []byte
}

func newSenderChain(encryptionSecret []byte, leaf leafIndex, gc *GroupContext) (*senderChain, error) {
	var leafBuf [4]byte
	binary.BigEndian.PutUint32(leafBuf[:], uint32(leaf))
	base, err := corecrypto.HKDFExpandLabel(encryptionSecret, "sender", append(leafBuf[:], gc.bytes()...), 32)
	if err != nil {
		return nil, err
	}
	return &senderChain{chainKey: base}, nil
}

// keyNonceAt derives the AEAD key/nonce for a given generation by ratcheting
// the chain forward from generation 0, without mutating sc (pure, so it can
// be recomputed by a receiver who does not cache intermediate chain keys).
func (sc *senderChain) keyNonceAt(generation uint32) (key, nonce []byte, err error) {
	chainKey := sc.chainKey
	for g := uint32(0); g < generation; g++ {
		chainKey, err = corecrypto.HKDFExpandLabel(chainKey, "chain", nil, 32)
		if err != nil {
			return nil, nil, err
		}
	}
	key, err = corecrypto.HKDFExpandLabel(chainKey, "key", nil, corecrypto.AEADKeySize)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = corecrypto.HKDFExpandLabel(chainKey, "nonce", nil, corecrypto.AEADNonceSize)
	if err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

func (sc *senderChain) zeroize() {
	corecrypto.Zeroize(sc.chainKey)
}
