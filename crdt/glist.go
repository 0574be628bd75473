package crdt

import "sort"

// GList is a grow-only ordered list (an RGA): each element has a globally
// unique id and names the element it was inserted after. Concurrent inserts
// after the same predecessor are ordered by descending element id, so every
// replica materializes the same sequence.
type GList struct {
	elems map[string]glistElem
	// children maps a predecessor id ("" is the list head) to the ids
	// inserted directly after it.
	children map[string][]string
}

type glistElem struct {
	value   []byte
	afterID string
}

// NewGList returns an empty list.
func NewGList() *GList {
	return &GList{
		elems:    make(map[string]glistElem),
		children: make(map[string][]string),
	}
}

// Insert places value with id elemID after afterID ("" inserts at the
// head). Inserting an already-present id is a no-op, which makes merge
// idempotent.
func (l *GList) Insert(elemID, afterID string, value []byte) bool {
	if _, exists := l.elems[elemID]; exists {
		return false
	}
	l.elems[elemID] = glistElem{value: append([]byte(nil), value...), afterID: afterID}
	l.children[afterID] = append(l.children[afterID], elemID)
	return true
}

// Contains reports whether elemID is present.
func (l *GList) Contains(elemID string) bool {
	_, ok := l.elems[elemID]
	return ok
}

// Len returns the number of elements.
func (l *GList) Len() int { return len(l.elems) }

// Values returns the materialized sequence.
func (l *GList) Values() [][]byte {
	out := make([][]byte, 0, len(l.elems))
	l.walk("", func(id string) {
		out = append(out, append([]byte(nil), l.elems[id].value...))
	})
	return out
}

// IDs returns the element ids in sequence order.
func (l *GList) IDs() []string {
	out := make([]string, 0, len(l.elems))
	l.walk("", func(id string) { out = append(out, id) })
	return out
}

// walk visits the subtree rooted after parent in sequence order: each
// child, newest id first, followed depth-first by the elements inserted
// after it.
func (l *GList) walk(parent string, visit func(id string)) {
	ids := append([]string(nil), l.children[parent]...)
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	for _, id := range ids {
		visit(id)
		l.walk(id, visit)
	}
}

// Merge folds other into l by replaying other's inserts; duplicates are
// no-ops.
func (l *GList) Merge(other *GList) {
	for id, e := range other.elems {
		l.Insert(id, e.afterID, e.value)
	}
}

func (l *GList) clone() *GList {
	out := NewGList()
	out.Merge(l)
	return out
}
