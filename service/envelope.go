package service

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	coreerrors "github.com/spacepanda/core/errors"
)

// EnvelopeKind tags what an MlsEnvelope carries.
type EnvelopeKind uint8

const (
	EnvelopeKindMessage EnvelopeKind = 1 // an encrypted group message (app/proposal/commit)
	EnvelopeKindWelcome EnvelopeKind = 2
	EnvelopeKindCRDTOp  EnvelopeKind = 3
)

// envelopeMagic opens every transport frame.
var envelopeMagic = []byte("MLS1")

// MlsEnvelope is the outermost transport frame: a 4-byte magic, a kind
// byte, and a u32-length-prefixed payload. It also round-trips through a
// JSON form for diagnostics dumps.
type MlsEnvelope struct {
	Kind    EnvelopeKind
	Payload []byte
}

// Encode serializes the envelope to its binary wire form.
func (e *MlsEnvelope) Encode() []byte {
	out := make([]byte, 0, 4+1+4+len(e.Payload))
	out = append(out, envelopeMagic...)
	out = append(out, byte(e.Kind))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, e.Payload...)
	return out
}

// DecodeEnvelope parses a binary envelope, rejecting bad magic, unknown
// kinds, and length mismatches.
func DecodeEnvelope(data []byte) (*MlsEnvelope, error) {
	if len(data) < 9 {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "envelope truncated")
	}
	if !bytes.Equal(data[:4], envelopeMagic) {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "envelope has wrong magic")
	}
	kind := EnvelopeKind(data[4])
	switch kind {
	case EnvelopeKindMessage, EnvelopeKindWelcome, EnvelopeKindCRDTOp:
	default:
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "unknown envelope kind")
	}
	plen := binary.BigEndian.Uint32(data[5:9])
	if uint32(len(data)-9) != plen {
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "envelope length mismatch")
	}
	return &MlsEnvelope{Kind: kind, Payload: append([]byte(nil), data[9:]...)}, nil
}

// envelopeJSON is the diagnostic JSON form.
type envelopeJSON struct {
	Magic   string `json:"magic"`
	Kind    uint8  `json:"kind"`
	Payload string `json:"payload"` // base64
}

// MarshalJSON renders the diagnostic form.
func (e *MlsEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		Magic:   string(envelopeMagic),
		Kind:    uint8(e.Kind),
		Payload: base64.StdEncoding.EncodeToString(e.Payload),
	})
}

// UnmarshalJSON parses the diagnostic form.
func (e *MlsEnvelope) UnmarshalJSON(data []byte) error {
	var j envelopeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return coreerrors.Wrap(coreerrors.KindDecodeFailure, "envelope json malformed", err)
	}
	if j.Magic != string(envelopeMagic) {
		return coreerrors.New(coreerrors.KindDecodeFailure, "envelope has wrong magic")
	}
	payload, err := base64.StdEncoding.DecodeString(j.Payload)
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindDecodeFailure, "envelope payload not base64", err)
	}
	e.Kind = EnvelopeKind(j.Kind)
	e.Payload = payload
	return nil
}
