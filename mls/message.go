package mls

import (
	"golang.org/x/crypto/cryptobyte"

	"github.com/spacepanda/core/internal/wireutil"
)

// ContentType identifies the kind of content carried by an EncryptedEnvelope.
type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

// EncryptedEnvelope is the wire frame for every MLS message: version,
// group id, epoch, content type, a fixed-length sealed sender-data header,
// the AEAD ciphertext, and its authentication tag.
type EncryptedEnvelope struct {
	Version     uint8
	GroupID     []byte
	Epoch       uint64
	ContentType ContentType
	SenderData  [senderDataHeaderSize]byte
	Ciphertext  []byte // includes the AEAD tag; AuthTag below duplicates the trailing 16 bytes for wire-shape fidelity
	AuthTag     [16]byte
}

// Marshal serializes the envelope.
func (e *EncryptedEnvelope) Marshal(b *cryptobyte.Builder) {
	b.AddUint8(e.Version)
	wireutil.WriteOpaqueVec(b, e.GroupID)
	b.AddUint64(e.Epoch)
	b.AddUint8(uint8(e.ContentType))
	b.AddBytes(e.SenderData[:])
	wireutil.WriteOpaqueVec32(b, e.Ciphertext)
	b.AddBytes(e.AuthTag[:])
}

// Unmarshal parses an envelope written by Marshal.
func (e *EncryptedEnvelope) Unmarshal(s *cryptobyte.String) error {
	*e = EncryptedEnvelope{}
	if !s.ReadUint8(&e.Version) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &e.GroupID) {
		return wireutil.ErrTruncated
	}
	if !s.ReadUint64(&e.Epoch) {
		return wireutil.ErrTruncated
	}
	var ct uint8
	if !s.ReadUint8(&ct) {
		return wireutil.ErrTruncated
	}
	e.ContentType = ContentType(ct)
	var sd []byte
	if !s.ReadBytes(&sd, senderDataHeaderSize) {
		return wireutil.ErrTruncated
	}
	copy(e.SenderData[:], sd)
	if !wireutil.ReadOpaqueVec32(s, &e.Ciphertext) {
		return wireutil.ErrTruncated
	}
	var tag []byte
	if !s.ReadBytes(&tag, 16) {
		return wireutil.ErrTruncated
	}
	copy(e.AuthTag[:], tag)
	return nil
}

// signedContent is the authenticated plaintext inside an envelope: the
// content plus the sender's signature over it and the framing fields, so a
// forwarded ciphertext cannot be re-bound to another group, epoch or
// sender.
type signedContent struct {
	ContentType ContentType
	GroupID     []byte
	Epoch       uint64
	Sender      uint32
	Body        []byte
	Signature   []byte
}

// signingBytes returns the canonical bytes the signature covers:
// everything but the signature itself.
func (sc *signedContent) signingBytes() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(uint8(sc.ContentType))
	wireutil.WriteOpaqueVec(b, sc.GroupID)
	b.AddUint64(sc.Epoch)
	b.AddUint32(sc.Sender)
	wireutil.WriteOpaqueVec32(b, sc.Body)
	out, _ := b.Bytes()
	return out
}

// Marshal serializes the signed content for AEAD sealing.
func (sc *signedContent) Marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(sc.ContentType))
	wireutil.WriteOpaqueVec(b, sc.GroupID)
	b.AddUint64(sc.Epoch)
	b.AddUint32(sc.Sender)
	wireutil.WriteOpaqueVec32(b, sc.Body)
	wireutil.WriteOpaqueVec(b, sc.Signature)
}

// Unmarshal parses signed content written by Marshal.
func (sc *signedContent) Unmarshal(s *cryptobyte.String) error {
	*sc = signedContent{}
	var ct uint8
	if !s.ReadUint8(&ct) {
		return wireutil.ErrTruncated
	}
	sc.ContentType = ContentType(ct)
	if !wireutil.ReadOpaqueVec(s, &sc.GroupID) {
		return wireutil.ErrTruncated
	}
	if !s.ReadUint64(&sc.Epoch) {
		return wireutil.ErrTruncated
	}
	if !s.ReadUint32(&sc.Sender) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec32(s, &sc.Body) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &sc.Signature) {
		return wireutil.ErrTruncated
	}
	return nil
}

// envelopeVersion is the only EncryptedEnvelope wire version this core
// emits.
const envelopeVersion = 1

// makeEnvelope splits an AEAD output (ciphertext||tag, as produced by
// corecrypto.AEADSeal) into the wire-shaped Ciphertext/AuthTag pair.
func makeEnvelope(groupID []byte, epoch uint64, ct ContentType, senderData [senderDataHeaderSize]byte, sealed []byte) *EncryptedEnvelope {
	e := &EncryptedEnvelope{
		Version:     envelopeVersion,
		GroupID:     groupID,
		Epoch:       epoch,
		ContentType: ct,
		SenderData:  senderData,
	}
	if len(sealed) >= 16 {
		e.Ciphertext = sealed[:len(sealed)-16]
		copy(e.AuthTag[:], sealed[len(sealed)-16:])
	} else {
		e.Ciphertext = sealed
	}
	return e
}

// sealedBytes reassembles the AEAD input expected by corecrypto.AEADOpen.
func (e *EncryptedEnvelope) sealedBytes() []byte {
	return append(append([]byte(nil), e.Ciphertext...), e.AuthTag[:]...)
}
