// Package bus provides a process-wide broadcast channel with bounded
// per-subscriber buffers. Lagging subscribers lose their oldest messages
// rather than blocking publishers, mirroring the semantics of a broadcast
// ring buffer.
package bus

import (
	"fmt"
	"sync"
)

// Bus fans out published values to every live subscription. It is safe for
// concurrent use by multiple goroutines. Publish never blocks: when a
// subscription's buffer is full, its oldest value is discarded to make room.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	buffer int
}

// Subscription is one receiver attached to a Bus. Values are read from C.
// A subscription that stops reading loses old values but never stalls the
// publisher or other subscribers.
type Subscription[T any] struct {
	bus *Bus[T]
	ch  chan T

	// closed guards against double Close; mutated under bus.mu.
	closed bool
}

// New creates a Bus whose subscriptions buffer up to buffer values.
// Panics if buffer < 1; a zero buffer would make every publish a drop.
func New[T any](buffer int) *Bus[T] {
	if buffer < 1 {
		panic(fmt.Sprintf("bus: buffer must be at least 1, got %d", buffer))
	}
	return &Bus[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
	}
}

// Subscribe attaches a new subscription. The caller must Close it when done
// or the bus will keep delivering (and dropping) values forever.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{bus: b, ch: make(chan T, b.buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers v to every subscription. For each full subscription the
// oldest buffered value is dropped first, so the most recent values win.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		for {
			select {
			case sub.ch <- v:
			default:
				// Buffer full: drop the oldest value and retry. The inner
				// receive cannot block because only this loop drains under
				// the lock besides the subscriber itself.
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

// C returns the receive channel. It is closed by Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
// Safe to call multiple times.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}
