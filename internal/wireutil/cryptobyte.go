// Package wireutil provides the TLS-style length-prefixed marshal/unmarshal
// helpers shared by the mls, crdt and storage wire codecs: opaque byte
// vectors are u16-length-prefixed, typed vectors are u32-count-prefixed
// with a per-element callback, and optionals are a single presence byte.
package wireutil

import (
	"errors"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// ErrTruncated is returned when an unmarshal reads past the end of input.
var ErrTruncated = io.ErrUnexpectedEOF

// Marshaler is implemented by any wire type built on a cryptobyte.Builder.
type Marshaler interface {
	Marshal(b *cryptobyte.Builder)
}

// Unmarshaler is implemented by any wire type read from a cryptobyte.String.
type Unmarshaler interface {
	Unmarshal(s *cryptobyte.String) error
}

// Marshal runs m.Marshal against a fresh Builder and returns the bytes.
func Marshal(m Marshaler) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	m.Marshal(b)
	return b.Bytes()
}

// Unmarshal parses data into m via m.Unmarshal, requiring the full input to
// be consumed.
func Unmarshal(data []byte, m Unmarshaler) error {
	s := cryptobyte.String(data)
	if err := m.Unmarshal(&s); err != nil {
		return err
	}
	if !s.Empty() {
		return errors.New("wireutil: trailing bytes after unmarshal")
	}
	return nil
}

// WriteOpaqueVec writes a u16-length-prefixed opaque byte vector.
func WriteOpaqueVec(b *cryptobyte.Builder, data []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(data)
	})
}

// ReadOpaqueVec reads a u16-length-prefixed opaque byte vector into *out.
func ReadOpaqueVec(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return false
	}
	*out = append([]byte(nil), v...)
	return true
}

// WriteOpaqueVec32 writes a u32-length-prefixed opaque byte vector, used for
// fields that may exceed 64KiB (ciphertexts, serialized group state).
func WriteOpaqueVec32(b *cryptobyte.Builder, data []byte) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(data)
	})
}

// readUint32LengthPrefixed reads a big-endian, 32-bit length-prefixed value
// into out. cryptobyte.String provides the symmetric Add/Read pair for 8,
// 16 and 24-bit prefixes but only the Add half for 32-bit, so it is
// reimplemented here from the documented ReadUint32/ReadBytes primitives.
func readUint32LengthPrefixed(s *cryptobyte.String, out *cryptobyte.String) bool {
	var length uint32
	if !s.ReadUint32(&length) {
		return false
	}
	var data []byte
	if !s.ReadBytes(&data, int(length)) {
		return false
	}
	*out = cryptobyte.String(data)
	return true
}

// ReadOpaqueVec32 reads a u32-length-prefixed opaque byte vector into *out.
func ReadOpaqueVec32(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !readUint32LengthPrefixed(s, &v) {
		return false
	}
	*out = append([]byte(nil), v...)
	return true
}

// WriteVector writes a u32 count followed by n elements, each written by fn.
func WriteVector(b *cryptobyte.Builder, n int, fn func(b *cryptobyte.Builder, i int)) {
	b.AddUint32(uint32(n))
	for i := 0; i < n; i++ {
		fn(b, i)
	}
}

// ReadVector reads a u32 count and invokes fn once per element.
func ReadVector(s *cryptobyte.String, fn func(s *cryptobyte.String) error) error {
	var n uint32
	if !s.ReadUint32(&n) {
		return ErrTruncated
	}
	for i := uint32(0); i < n; i++ {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteOptional writes a single presence byte.
func WriteOptional(b *cryptobyte.Builder, present bool) {
	if present {
		b.AddUint8(1)
	} else {
		b.AddUint8(0)
	}
}

// ReadOptional reads a single presence byte into *present.
func ReadOptional(s *cryptobyte.String, present *bool) bool {
	var v uint8
	if !s.ReadUint8(&v) {
		return false
	}
	*present = v != 0
	return true
}

// WriteString writes a u16-length-prefixed UTF-8 string.
func WriteString(b *cryptobyte.Builder, str string) {
	WriteOpaqueVec(b, []byte(str))
}

// ReadString reads a u16-length-prefixed UTF-8 string.
func ReadString(s *cryptobyte.String, out *string) bool {
	var raw []byte
	if !ReadOpaqueVec(s, &raw) {
		return false
	}
	*out = string(raw)
	return true
}
