package service

import "sync"

// EventKind identifies what happened.
type EventKind int

const (
	EventGroupCreated EventKind = iota
	EventMemberJoined
	EventMemberAdded
	EventMemberRemoved
	EventMessageReceived
	EventEpochAdvanced
	EventGroupQuarantined
)

// Event is one item on the service's broadcast bus. Plaintext is set only
// for EventMessageReceived and is never persisted by the bus.
type Event struct {
	Kind      EventKind
	GroupID   []byte
	Epoch     uint64
	Sender    uint32
	Plaintext []byte
}

// EventFilter selects which events a subscriber receives; nil receives
// everything.
type EventFilter func(*Event) bool

// subscription is one subscriber's buffered queue.
type subscription struct {
	ch     chan *Event
	filter EventFilter
}

// Bus fans events out to subscribers. Producers never block: when a
// subscriber's buffer is full, the oldest queued event is dropped to make
// room for the new one.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscription]bool
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriber queues hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{subs: make(map[*subscription]bool), buffer: buffer}
}

// Subscribe registers a subscriber. The returned cancel func removes it
// and closes its channel.
func (b *Bus) Subscribe(filter EventFilter) (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{ch: make(chan *Event, b.buffer), filter: filter}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = true
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subs[sub] {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Full: drop the oldest and retry.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscription]bool)
}
