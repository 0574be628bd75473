package crdt

// Journal durably records a replica's applied ops in application order, so
// a restarted device can rebuild its state and resume from its old clock.
// Implementations are bound to one channel.
type Journal interface {
	// Append records one applied op.
	Append(op *Op) error

	// Load returns every recorded op in the order it was appended.
	Load() ([]*Op, error)

	// Prune removes the named ops after a compaction snapshot covers them.
	Prune(opIDs []string) error
}

// Restore seeds a fresh replica from a compaction snapshot: the derived
// state and clock are adopted wholesale. Call it before WithJournal so the
// journal's surviving (non-pruned) ops replay on top.
func (r *Replica) Restore(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = snap.State.Clone()
	r.applied = snap.Clock.Clone()
}

// WithJournal replays the journal's ops into the replica, then installs
// the journal so every subsequently applied op is recorded. Replayed ops
// skip signature verification: they were verified before being appended.
// Must be called before the replica sees any other traffic.
func (r *Replica) WithJournal(j Journal) error {
	ops, err := j.Load()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		if r.seenLocked(op) {
			continue
		}
		r.state.apply(&op.Payload, op.AuthorDeviceID)
		r.applied.Merge(op.Clock)
		r.log = append(r.log, op)
	}
	r.journal = j
	return nil
}
