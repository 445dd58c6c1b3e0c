// Package events provides the in-process notification bus. Publishing never
// blocks the caller: events enter an unbounded queue drained by a single
// dispatcher goroutine, which delivers to subscribers in priority order.
package events

import (
	"sync"
	"time"

	"github.com/foliodev/folio/internal/debug"
	"github.com/foliodev/folio/internal/types"
)

// Handler receives one delivered event. Handlers run on the dispatcher
// goroutine; a slow handler delays later deliveries but never the publisher.
type Handler func(types.Event)

// Predicate filters deliveries for a subscription. A nil predicate matches
// every event of the subscribed kind.
type Predicate func(types.Event) bool

// Subscription is a disposable registration on the bus.
type Subscription struct {
	bus      *Bus
	kind     types.EventKind
	priority int
	pred     Predicate
	handler  Handler
	order    uint64
	disposed bool
}

// Dispose removes the subscription. Safe to call more than once; events
// already queued for dispatch are still checked against the live set at
// delivery time, so a disposed subscription receives nothing further.
func (s *Subscription) Dispose() {
	s.bus.unsubscribe(s)
}

// Disposed reports whether the subscription has been removed from the bus.
func (s *Subscription) Disposed() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.disposed
}

// Bus routes events from publishers to subscribers.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []types.Event
	seq    uint64
	order  uint64
	subs   map[types.EventKind][]*Subscription
	closed bool
	done   chan struct{}
}

// NewBus creates a bus and starts its dispatcher goroutine.
func NewBus() *Bus {
	b := &Bus{
		subs: make(map[types.EventKind][]*Subscription),
		done: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for events of one kind. Higher priority
// subscribers are delivered to first; among equal priorities, registration
// order wins regardless of when in the queue's life the subscription was
// made.
func (b *Bus) Subscribe(kind types.EventKind, priority int, pred Predicate, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.order++
	sub := &Subscription{
		bus:      b,
		kind:     kind,
		priority: priority,
		pred:     pred,
		handler:  handler,
		order:    b.order,
	}

	// Insert sorted: priority descending, then registration order ascending.
	list := b.subs[kind]
	pos := len(list)
	for i, other := range list {
		if sub.priority > other.priority {
			pos = i
			break
		}
	}
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = sub
	b.subs[kind] = list
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.disposed {
		return
	}
	sub.disposed = true
	list := b.subs[sub.kind]
	for i, other := range list {
		if other == sub {
			b.subs[sub.kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish stamps the event with the next sequence number and enqueues it.
// Returns false when the bus is closed. Publish never blocks on delivery.
func (b *Bus) Publish(ev types.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.seq++
	ev.Stamp(b.seq, time.Now())
	b.queue = append(b.queue, ev)
	b.cond.Signal()
	return true
}

// Close stops the dispatcher. Events still queued are dropped; the graph
// remains queryable for current state, so late subscribers resynchronize
// from it rather than from replayed events. Blocks until the dispatcher
// goroutine exits.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.queue = nil
	b.cond.Signal()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]

		// Snapshot the ordered subscriber list so handlers can subscribe or
		// dispose without deadlocking on the bus lock.
		live := b.subs[ev.Kind()]
		targets := make([]*Subscription, len(live))
		copy(targets, live)
		b.mu.Unlock()

		for _, sub := range targets {
			b.mu.Lock()
			skip := sub.disposed
			b.mu.Unlock()
			if skip {
				continue
			}
			if sub.pred != nil && !sub.pred(ev) {
				continue
			}
			sub.handler(ev)
		}
		debug.LogBus("dispatched seq=%d kind=%s to %d subscribers\n", ev.Seq(), ev.Kind(), len(targets))
	}
}
