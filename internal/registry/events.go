package registry

import (
	"sync"

	"github.com/burrownet/burrow/internal/domain"
)

// Event kinds describe binding state transitions observed by subscribers
// (the routing synchronizer and the history journal).
const (
	EventRegistered = "registered" // new pending binding allocated
	EventActivated  = "activated"  // first heartbeat, or degraded binding restored
	EventResumed    = "resumed"    // degraded binding reclaimed by a reconnecting client
	EventDegraded   = "degraded"   // session lost, grace timer running
	EventClosed     = "closed"     // terminal; subdomain and endpoint released
)

// Event is a binding state transition with a snapshot of the binding taken
// at transition time.
type Event struct {
	Kind    string
	Binding domain.Binding
}

// broadcaster fans registry events out to subscribers. Sends never block a
// registry mutation: a subscriber that falls behind its buffer loses the
// oldest-undelivered event and the drop is counted.
type broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped int64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *broadcaster) publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped++
		}
	}
}

func (b *broadcaster) droppedEvents() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *broadcaster) close() {
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}
