package crdt

import (
	"golang.org/x/crypto/cryptobyte"

	"github.com/spacepanda/core/crypto/keys"
	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/internal/wireutil"
)

// PayloadKind tags the operation variant.
type PayloadKind uint8

const (
	PayloadLWWSet PayloadKind = iota + 1
	PayloadORSetAdd
	PayloadORSetRemove
	PayloadORMapPut
	PayloadGListInsert
)

// Payload is the tagged union of CRDT mutations an op can carry. Exactly
// the fields for the op's Kind are meaningful.
type Payload struct {
	Kind PayloadKind

	// LWWSet: assign Value to the named register at Timestamp.
	Field     string
	Value     []byte
	Timestamp uint64

	// ORSetAdd: add Element under the globally unique Tag.
	// ORSetRemove: remove the observed Tags for Element.
	Element []byte
	Tag     string
	Tags    []string

	// ORMapPut: upsert Key to Value at Timestamp (Value/Timestamp above).
	Key string

	// GListInsert: insert Value with identifier ElemID after AfterID
	// ("" means list head).
	ElemID  string
	AfterID string
}

// Op is one signed, causally-ordered operation in a channel's log.
type Op struct {
	OpID           string
	ChannelID      []byte
	AuthorDeviceID string
	Clock          VectorClock
	Payload        Payload
	Signature      []byte
}

func (p *Payload) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(p.Kind))
	switch p.Kind {
	case PayloadLWWSet:
		wireutil.WriteString(b, p.Field)
		wireutil.WriteOpaqueVec32(b, p.Value)
		b.AddUint64(p.Timestamp)
	case PayloadORSetAdd:
		wireutil.WriteOpaqueVec(b, p.Element)
		wireutil.WriteString(b, p.Tag)
	case PayloadORSetRemove:
		wireutil.WriteOpaqueVec(b, p.Element)
		wireutil.WriteVector(b, len(p.Tags), func(b *cryptobyte.Builder, i int) {
			wireutil.WriteString(b, p.Tags[i])
		})
	case PayloadORMapPut:
		wireutil.WriteString(b, p.Key)
		wireutil.WriteOpaqueVec32(b, p.Value)
		b.AddUint64(p.Timestamp)
	case PayloadGListInsert:
		wireutil.WriteString(b, p.ElemID)
		wireutil.WriteString(b, p.AfterID)
		wireutil.WriteOpaqueVec32(b, p.Value)
	}
}

func (p *Payload) unmarshal(s *cryptobyte.String) error {
	*p = Payload{}
	var kind uint8
	if !s.ReadUint8(&kind) {
		return wireutil.ErrTruncated
	}
	p.Kind = PayloadKind(kind)
	switch p.Kind {
	case PayloadLWWSet:
		if !wireutil.ReadString(s, &p.Field) || !wireutil.ReadOpaqueVec32(s, &p.Value) || !s.ReadUint64(&p.Timestamp) {
			return wireutil.ErrTruncated
		}
	case PayloadORSetAdd:
		if !wireutil.ReadOpaqueVec(s, &p.Element) || !wireutil.ReadString(s, &p.Tag) {
			return wireutil.ErrTruncated
		}
	case PayloadORSetRemove:
		if !wireutil.ReadOpaqueVec(s, &p.Element) {
			return wireutil.ErrTruncated
		}
		if err := wireutil.ReadVector(s, func(s *cryptobyte.String) error {
			var tag string
			if !wireutil.ReadString(s, &tag) {
				return wireutil.ErrTruncated
			}
			p.Tags = append(p.Tags, tag)
			return nil
		}); err != nil {
			return err
		}
	case PayloadORMapPut:
		if !wireutil.ReadString(s, &p.Key) || !wireutil.ReadOpaqueVec32(s, &p.Value) || !s.ReadUint64(&p.Timestamp) {
			return wireutil.ErrTruncated
		}
	case PayloadGListInsert:
		if !wireutil.ReadString(s, &p.ElemID) || !wireutil.ReadString(s, &p.AfterID) || !wireutil.ReadOpaqueVec32(s, &p.Value) {
			return wireutil.ErrTruncated
		}
	default:
		return coreerrors.New(coreerrors.KindDecodeFailure, "unknown crdt payload kind")
	}
	return nil
}

// signingBytes returns the canonical bytes the author signs: everything but
// the signature itself.
func (op *Op) signingBytes() []byte {
	b := cryptobyte.NewBuilder(nil)
	wireutil.WriteString(b, op.OpID)
	wireutil.WriteOpaqueVec(b, op.ChannelID)
	wireutil.WriteString(b, op.AuthorDeviceID)
	op.Clock.marshal(b)
	op.Payload.marshal(b)
	out, _ := b.Bytes()
	return out
}

// Sign attaches the author's device signature.
func (op *Op) Sign(deviceKey *keys.Ed25519KeyPair) error {
	sig, err := deviceKey.Sign(op.signingBytes())
	if err != nil {
		return err
	}
	op.Signature = sig
	return nil
}

// Verify checks the op's signature against the author's device public key.
func (op *Op) Verify(authorPublicKey []byte) error {
	if err := keys.VerifyEd25519(authorPublicKey, op.signingBytes(), op.Signature); err != nil {
		return coreerrors.Wrap(coreerrors.KindBadSignature, "crdt op signature invalid", err)
	}
	return nil
}

// Marshal serializes the full op including the signature.
func (op *Op) Marshal(b *cryptobyte.Builder) {
	wireutil.WriteString(b, op.OpID)
	wireutil.WriteOpaqueVec(b, op.ChannelID)
	wireutil.WriteString(b, op.AuthorDeviceID)
	op.Clock.marshal(b)
	op.Payload.marshal(b)
	wireutil.WriteOpaqueVec(b, op.Signature)
}

// Unmarshal parses an op written by Marshal.
func (op *Op) Unmarshal(s *cryptobyte.String) error {
	*op = Op{}
	if !wireutil.ReadString(s, &op.OpID) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadOpaqueVec(s, &op.ChannelID) {
		return wireutil.ErrTruncated
	}
	if !wireutil.ReadString(s, &op.AuthorDeviceID) {
		return wireutil.ErrTruncated
	}
	if err := op.Clock.unmarshal(s); err != nil {
		return err
	}
	if err := op.Payload.unmarshal(s); err != nil {
		return err
	}
	if !wireutil.ReadOpaqueVec(s, &op.Signature) {
		return wireutil.ErrTruncated
	}
	return nil
}
