package mls

import (
	"encoding/binary"

	"golang.org/x/crypto/cryptobyte"

	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/internal/wireutil"
)

// GroupContext is the authenticated context every signed message and
// confirmation tag is computed over: group id, epoch,
// tree hash, and confirmed transcript hash.
type GroupContext struct {
	GroupID                 []byte
	Epoch                   uint64
	TreeHash                []byte
	ConfirmedTranscriptHash []byte
	Extensions              map[string][]byte
}

// bytes serializes the context deterministically for hashing/signing.
func (gc *GroupContext) bytes() []byte {
	buf := append([]byte(nil), gc.GroupID...)
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], gc.Epoch)
	buf = append(buf, epochBuf[:]...)
	buf = append(buf, gc.TreeHash...)
	buf = append(buf, gc.ConfirmedTranscriptHash...)
	return buf
}

// epochSecrets holds the full secret tree for one epoch: init, sender
// data, encryption, exporter, authentication, external, membership,
// confirmation, resumption. All are zero-cleared when the epoch advances,
// so compromise of the current state reveals nothing about prior epochs.
type epochSecrets struct {
	Init           []byte
	SenderData     []byte
	Encryption     []byte
	Exporter       []byte
	Authentication []byte
	External       []byte
	Membership     []byte
	Confirmation   []byte
	Resumption     []byte
}

// zeroize clears every secret in the set.
func (es *epochSecrets) zeroize() {
	for _, s := range [][]byte{
		es.Init, es.SenderData, es.Encryption, es.Exporter,
		es.Authentication, es.External, es.Membership,
		es.Confirmation, es.Resumption,
	} {
		corecrypto.Zeroize(s)
	}
}

// deriveEpochSecrets expands epochSecret (itself derived from the joiner
// secret/commit secret via HKDF-Extract) into the named per-purpose
// secrets using the label-separated expand construction from
// crypto.HKDFExpandLabel, keyed to groupContext so secrets from distinct
// epochs or groups never collide.
func deriveEpochSecrets(epochSecret []byte, gc *GroupContext) (*epochSecrets, error) {
	ctx := gc.bytes()
	labels := []string{
		"init", "sender data", "encryption", "exporter",
		"authentication", "external", "membership",
		"confirm", "resumption",
	}
	out := make([][]byte, len(labels))
	for i, label := range labels {
		secret, err := corecrypto.HKDFExpandLabel(epochSecret, label, ctx, 32)
		if err != nil {
			return nil, err
		}
		out[i] = secret
	}
	return &epochSecrets{
		Init:           out[0],
		SenderData:     out[1],
		Encryption:     out[2],
		Exporter:       out[3],
		Authentication: out[4],
		External:       out[5],
		Membership:     out[6],
		Confirmation:   out[7],
		Resumption:     out[8],
	}, nil
}

// marshalInto appends gc's wire form to b, used when embedding a
// GroupContext inside a Welcome.
func (gc *GroupContext) marshalInto(b *cryptobyte.Builder) {
	wireutil.WriteOpaqueVec(b, gc.GroupID)
	b.AddUint64(gc.Epoch)
	wireutil.WriteOpaqueVec(b, gc.TreeHash)
	wireutil.WriteOpaqueVec(b, gc.ConfirmedTranscriptHash)
	b.AddUint32(uint32(len(gc.Extensions)))
	for k, v := range gc.Extensions {
		wireutil.WriteString(b, k)
		wireutil.WriteOpaqueVec32(b, v)
	}
}

// unmarshalFrom reads a GroupContext written by marshalInto.
func (gc *GroupContext) unmarshalFrom(s *cryptobyte.String) error {
	*gc = GroupContext{}
	if !wireutil.ReadOpaqueVec(s, &gc.GroupID) {
		return wireutil.ErrTruncated
	}
	if !s.ReadUint64(&gc.Epoch) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &gc.TreeHash) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &gc.ConfirmedTranscriptHash) {
		return wireutil.ErrTruncated
	}
	gc.Extensions = make(map[string][]byte)
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
		gc.Extensions[k] = v
	}
	return nil
}

// clone returns a deep copy of gc.
func (gc *GroupContext) clone() *GroupContext {
	out := &GroupContext{
		GroupID:                 append([]byte(nil), gc.GroupID...),
		Epoch:                   gc.Epoch,
		TreeHash:                append([]byte(nil), gc.TreeHash...),
		ConfirmedTranscriptHash: append([]byte(nil), gc.ConfirmedTranscriptHash...),
	}
	if gc.Extensions != nil {
		out.Extensions = make(map[string][]byte, len(gc.Extensions))
		for k, v := range gc.Extensions {
			out.Extensions[k] = append([]byte(nil), v...)
		}
	}
	return out
}

// nextEpochSecret derives the epoch secret for the next epoch from the
// current init secret and a commit secret (the HPKE-decrypted path secret
// chain's output, or an all-zero secret for a commit with no update-path).
func nextEpochSecret(initSecret, commitSecret []byte, gc *GroupContext) []byte {
	joinerSecret := corecrypto.HKDFExtract(initSecret, commitSecret)
	return corecrypto.HKDFExtract(joinerSecret, gc.bytes())
}

// confirmationTag computes MAC(confirmation_key, confirmed_transcript_hash)
// using HKDFExpandLabel over the confirmation key and transcript as the
// MAC, the same expand construction used for every other epoch secret
// derivation.
func confirmationTag(confirmationKey, transcriptHash []byte) ([]byte, error) {
	return corecrypto.HKDFExpandLabel(confirmationKey, "confirm tag", transcriptHash, 32)
}
