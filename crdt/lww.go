package crdt

// LWWRegister is a last-writer-wins register. A write carries a timestamp
// and the author's device id; the higher timestamp wins, with the author id
// breaking ties so concurrent equal-timestamp writes still converge.
type LWWRegister struct {
	Value     []byte
	Timestamp uint64
	Author    string
	set       bool
}

// Set applies a write if it supersedes the current one, reporting whether
// the register changed.
func (r *LWWRegister) Set(value []byte, timestamp uint64, author string) bool {
	if r.set {
		if timestamp < r.Timestamp {
			return false
		}
		if timestamp == r.Timestamp && author <= r.Author {
			return false
		}
	}
	r.Value = append([]byte(nil), value...)
	r.Timestamp = timestamp
	r.Author = author
	r.set = true
	return true
}

// Get returns the current value and whether the register was ever written.
func (r *LWWRegister) Get() ([]byte, bool) {
	return r.Value, r.set
}

// Merge folds other into r. Merging is commutative, associative and
// idempotent: it is just Set with other's write.
func (r *LWWRegister) Merge(other *LWWRegister) {
	if other.set {
		r.Set(other.Value, other.Timestamp, other.Author)
	}
}

func (r *LWWRegister) clone() *LWWRegister {
	return &LWWRegister{
		Value:     append([]byte(nil), r.Value...),
		Timestamp: r.Timestamp,
		Author:    r.Author,
		set:       r.set,
	}
}
