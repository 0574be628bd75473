package crdt

import "sort"

// ORMap maps string keys to last-writer-wins values. Key presence follows
// the values: a key exists once written; concurrent writes to the same key
// resolve by the LWW rule.
type ORMap struct {
	entries map[string]*LWWRegister
}

// NewORMap returns an empty map.
func NewORMap() *ORMap {
	return &ORMap{entries: make(map[string]*LWWRegister)}
}

// Put upserts key to value at timestamp, reporting whether the entry
// changed.
func (m *ORMap) Put(key string, value []byte, timestamp uint64, author string) bool {
	reg, ok := m.entries[key]
	if !ok {
		reg = &LWWRegister{}
		m.entries[key] = reg
	}
	return reg.Set(value, timestamp, author)
}

// Get returns the value for key and whether it exists.
func (m *ORMap) Get(key string) ([]byte, bool) {
	reg, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return reg.Get()
}

// Keys returns the present keys in sorted order.
func (m *ORMap) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge folds other into m, entry by entry.
func (m *ORMap) Merge(other *ORMap) {
	for key, reg := range other.entries {
		existing, ok := m.entries[key]
		if !ok {
			m.entries[key] = reg.clone()
			continue
		}
		existing.Merge(reg)
	}
}

func (m *ORMap) clone() *ORMap {
	out := NewORMap()
	out.Merge(m)
	return out
}
