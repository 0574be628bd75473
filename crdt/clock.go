// Package crdt implements the replicated channel-metadata layer: a signed,
// append-only operation log with vector-clock causal delivery, applied to
// four conflict-free datatypes (last-writer-wins register, observed-remove
// set, observed-remove map, grow-only ordered list). Replicas converge to
// the same state regardless of delivery order, as long as causally related
// operations are applied in order.
package crdt

import (
	"sort"

	"golang.org/x/crypto/cryptobyte"

	"github.com/spacepanda/core/internal/wireutil"
)

// VectorClock maps a device id to the count of operations that device has
// authored, as observed by the clock's holder.
type VectorClock map[string]uint64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	OrderingEqual Ordering = iota
	OrderingBefore
	OrderingAfter
	OrderingConcurrent
)

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Clone returns a copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Increment bumps the device's own counter and returns the clock.
func (vc VectorClock) Increment(deviceID string) VectorClock {
	vc[deviceID]++
	return vc
}

// Merge folds other into vc, taking the per-device maximum.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Compare reports how vc relates to other under the happened-before order.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for k, v := range vc {
		ov := other[k]
		if v < ov {
			less = true
		} else if v > ov {
			greater = true
		}
	}
	for k, ov := range other {
		if _, seen := vc[k]; !seen && ov > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return OrderingConcurrent
	case less:
		return OrderingBefore
	case greater:
		return OrderingAfter
	default:
		return OrderingEqual
	}
}

// Dominates reports whether vc has observed everything other has.
func (vc VectorClock) Dominates(other VectorClock) bool {
	ord := vc.Compare(other)
	return ord == OrderingAfter || ord == OrderingEqual
}

// marshal writes the clock with keys in sorted order so equal clocks always
// produce identical bytes (signatures cover the clock).
func (vc VectorClock) marshal(b *cryptobyte.Builder) {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	wireutil.WriteVector(b, len(keys), func(b *cryptobyte.Builder, i int) {
		wireutil.WriteString(b, keys[i])
		b.AddUint64(vc[keys[i]])
	})
}

func (vc *VectorClock) unmarshal(s *cryptobyte.String) error {
	out := make(VectorClock)
	if err := wireutil.ReadVector(s, func(s *cryptobyte.String) error {
		var k string
		var v uint64
		if !wireutil.ReadString(s, &k) {
			return wireutil.ErrTruncated
		}
		if !s.ReadUint64(&v) {
			return wireutil.ErrTruncated
		}
		out[k] = v
		return nil
	}); err != nil {
		return err
	}
	*vc = out
	return nil
}
