package crdt

import (
	"sync"

	"github.com/google/uuid"

	"github.com/spacepanda/core/crypto/keys"
	coreerrors "github.com/spacepanda/core/errors"
)

// KeyResolver maps an author device id to its Ed25519 public key, so a
// replica can verify op signatures without owning a membership directory.
type KeyResolver func(deviceID string) ([]byte, error)

// Replica is one device's view of a channel's op log. Local mutations
// produce signed ops to broadcast; remote ops are verified and applied in
// causal order, buffering anything whose predecessors have not arrived.
// All methods are safe for concurrent use; op application is serialized.
type Replica struct {
	mu sync.Mutex

	channelID []byte
	deviceID  string
	deviceKey *keys.Ed25519KeyPair
	resolve   KeyResolver

	state   *State
	applied VectorClock
	log     []*Op
	buffer  []*Op
	journal Journal
}

// NewReplica creates a replica of channelID owned by the given device.
func NewReplica(channelID []byte, deviceID string, deviceKey *keys.Ed25519KeyPair, resolve KeyResolver) *Replica {
	return &Replica{
		channelID: append([]byte(nil), channelID...),
		deviceID:  deviceID,
		deviceKey: deviceKey,
		resolve:   resolve,
		state:     NewState(),
		applied:   NewVectorClock(),
	}
}

// State returns a copy of the current derived state.
func (r *Replica) State() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Clock returns a copy of the applied vector clock.
func (r *Replica) Clock() VectorClock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied.Clone()
}

// Log returns the applied ops in application order.
func (r *Replica) Log() []*Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Op(nil), r.log...)
}

// PendingCount reports how many ops are buffered awaiting predecessors.
func (r *Replica) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// local creates, signs, applies and returns an op for a local mutation.
func (r *Replica) local(p Payload) (*Op, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clock := r.applied.Clone()
	clock.Increment(r.deviceID)
	op := &Op{
		OpID:           uuid.NewString(),
		ChannelID:      append([]byte(nil), r.channelID...),
		AuthorDeviceID: r.deviceID,
		Clock:          clock,
		Payload:        p,
	}
	if err := op.Sign(r.deviceKey); err != nil {
		return nil, err
	}
	if err := r.applyLocked(op); err != nil {
		return nil, err
	}
	return op, nil
}

// SetField assigns a named LWW field (e.g. "name", "topic").
func (r *Replica) SetField(field string, value []byte, timestamp uint64) (*Op, error) {
	return r.local(Payload{Kind: PayloadLWWSet, Field: field, Value: value, Timestamp: timestamp})
}

// AddMember adds element to the member set under a fresh unique tag.
func (r *Replica) AddMember(element []byte) (*Op, error) {
	return r.local(Payload{Kind: PayloadORSetAdd, Element: element, Tag: uuid.NewString()})
}

// RemoveMember removes the tags this replica has observed for element.
func (r *Replica) RemoveMember(element []byte) (*Op, error) {
	r.mu.Lock()
	tags := r.state.MemberTags(element)
	r.mu.Unlock()
	if len(tags) == 0 {
		return nil, coreerrors.New(coreerrors.KindNotFound, "element not in member set")
	}
	return r.local(Payload{Kind: PayloadORSetRemove, Element: element, Tags: tags})
}

// PutProperty upserts a property map entry.
func (r *Replica) PutProperty(key string, value []byte, timestamp uint64) (*Op, error) {
	return r.local(Payload{Kind: PayloadORMapPut, Key: key, Value: value, Timestamp: timestamp})
}

// InsertPinned appends an entry to the ordered list after afterID ("" for
// the head), returning the op and the new element's id.
func (r *Replica) InsertPinned(afterID string, value []byte) (*Op, string, error) {
	elemID := uuid.NewString()
	op, err := r.local(Payload{Kind: PayloadGListInsert, ElemID: elemID, AfterID: afterID, Value: value})
	return op, elemID, err
}

// Apply verifies and applies a remote op. Ops arriving before their causal
// predecessors are buffered and drained once the gap fills; duplicates are
// ignored. Returns whether the op (or any buffered op) was applied now.
func (r *Replica) Apply(op *Op) (bool, error) {
	pub, err := r.resolve(op.AuthorDeviceID)
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.KindUnknownSender, "unknown author device", err)
	}
	if err := op.Verify(pub); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seenLocked(op) {
		return false, nil
	}
	if !r.readyLocked(op) {
		r.buffer = append(r.buffer, op)
		return false, nil
	}
	if err := r.applyLocked(op); err != nil {
		return false, err
	}
	if err := r.drainLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// seenLocked reports whether op was already applied: its author counter is
// at or below what we have applied for that author.
func (r *Replica) seenLocked(op *Op) bool {
	return op.Clock[op.AuthorDeviceID] <= r.applied[op.AuthorDeviceID]
}

// readyLocked implements the causal-delivery condition: the op must be the
// author's next op, and every other device's counter in the op's clock must
// already be applied here.
func (r *Replica) readyLocked(op *Op) bool {
	for device, count := range op.Clock {
		if device == op.AuthorDeviceID {
			if count != r.applied[device]+1 {
				return false
			}
			continue
		}
		if count > r.applied[device] {
			return false
		}
	}
	return true
}

// applyLocked journals (durable before visible) and then applies one op.
func (r *Replica) applyLocked(op *Op) error {
	if r.journal != nil {
		if err := r.journal.Append(op); err != nil {
			return err
		}
	}
	r.state.apply(&op.Payload, op.AuthorDeviceID)
	r.applied.Merge(op.Clock)
	r.log = append(r.log, op)
	return nil
}

// drainLocked repeatedly applies buffered ops that have become ready,
// until a full pass applies nothing.
func (r *Replica) drainLocked() error {
	for {
		progressed := false
		remaining := r.buffer[:0]
		for _, op := range r.buffer {
			switch {
			case r.seenLocked(op):
				// duplicate, drop
			case r.readyLocked(op):
				if err := r.applyLocked(op); err != nil {
					return err
				}
				progressed = true
			default:
				remaining = append(remaining, op)
			}
		}
		r.buffer = remaining
		if !progressed {
			return nil
		}
	}
}

// Snapshot captures the derived state and its clock for compaction.
type Snapshot struct {
	Clock VectorClock
	State *State
}

// Compact snapshots the current state and prunes applied ops dominated by
// the snapshot clock, from memory and the journal alike, returning the
// snapshot and the number of pruned ops. Buffered (not yet applied) ops
// are never pruned.
func (r *Replica) Compact() (*Snapshot, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{Clock: r.applied.Clone(), State: r.state.Clone()}
	kept := r.log[:0]
	var prunedIDs []string
	for _, op := range r.log {
		if snap.Clock.Dominates(op.Clock) {
			prunedIDs = append(prunedIDs, op.OpID)
			continue
		}
		kept = append(kept, op)
	}
	r.log = kept
	if r.journal != nil && len(prunedIDs) > 0 {
		// A failed prune leaves extra ops in the journal; they are
		// harmless duplicates on the next replay.
		_ = r.journal.Prune(prunedIDs)
	}
	return snap, len(prunedIDs)
}
