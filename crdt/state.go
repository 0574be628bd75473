package crdt

// State is the derived, convergent view of one channel's replicated
// metadata: named last-writer-wins fields (name, topic), an
// observed-remove member set, a key/value property map, and an ordered
// list for pinned entries.
type State struct {
	fields  *ORMap
	members *ORSet
	props   *ORMap
	pinned  *GList
}

// NewState returns an empty channel state.
func NewState() *State {
	return &State{
		fields:  NewORMap(),
		members: NewORSet(),
		props:   NewORMap(),
		pinned:  NewGList(),
	}
}

// apply mutates the state with one operation's payload.
func (st *State) apply(p *Payload, author string) {
	switch p.Kind {
	case PayloadLWWSet:
		st.fields.Put(p.Field, p.Value, p.Timestamp, author)
	case PayloadORSetAdd:
		st.members.Add(p.Element, p.Tag)
	case PayloadORSetRemove:
		st.members.Remove(p.Element, p.Tags)
	case PayloadORMapPut:
		st.props.Put(p.Key, p.Value, p.Timestamp, author)
	case PayloadGListInsert:
		st.pinned.Insert(p.ElemID, p.AfterID, p.Value)
	}
}

// Field returns a named LWW field's value.
func (st *State) Field(name string) ([]byte, bool) { return st.fields.Get(name) }

// Members returns the current member elements.
func (st *State) Members() [][]byte { return st.members.Elements() }

// HasMember reports membership for element.
func (st *State) HasMember(element []byte) bool { return st.members.Contains(element) }

// MemberTags exposes the live tags for element, for building removes.
func (st *State) MemberTags(element []byte) []string { return st.members.Tags(element) }

// Property returns a property map value.
func (st *State) Property(key string) ([]byte, bool) { return st.props.Get(key) }

// Pinned returns the ordered pinned entries.
func (st *State) Pinned() [][]byte { return st.pinned.Values() }

// Merge folds another replica's state into st. Each component merge is
// commutative, associative and idempotent, so the whole is too.
func (st *State) Merge(other *State) {
	st.fields.Merge(other.fields)
	st.members.Merge(other.members)
	st.props.Merge(other.props)
	st.pinned.Merge(other.pinned)
}

// Clone returns a deep copy.
func (st *State) Clone() *State {
	return &State{
		fields:  st.fields.clone(),
		members: st.members.clone(),
		props:   st.props.clone(),
		pinned:  st.pinned.clone(),
	}
}
