package deploy

import (
	"sync"
	"sync/atomic"
)

// RequestQueue is an unbounded multi-producer/multi-consumer FIFO of
// deployment requests. It must be unbounded: both TTL-expiry reaping and
// user actions enqueue from code paths that also consume, so a bounded
// queue could deadlock. Back-pressure comes from the store's per-user
// concurrency cap, not from the queue.
//
// A pump goroutine shuttles requests from an internal slice to the out
// channel, so Enqueue never blocks on consumers.
type RequestQueue struct {
	in   chan Request
	out  chan Request
	done chan struct{}

	// length counts requests accepted but not yet delivered to a consumer.
	length atomic.Int64

	closeOnce sync.Once
}

// NewRequestQueue creates the queue and starts its pump goroutine.
func NewRequestQueue() *RequestQueue {
	q := &RequestQueue{
		in:   make(chan Request),
		out:  make(chan Request),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Enqueue adds a request. Never blocks for longer than the pump's hand-off;
// requests enqueued after Close are dropped.
func (q *RequestQueue) Enqueue(r Request) {
	q.length.Add(1)
	select {
	case q.in <- r:
	case <-q.done:
		q.length.Add(-1)
	}
}

// Out returns the consumer channel. Receiving a request removes it from the
// queue.
func (q *RequestQueue) Out() <-chan Request {
	return q.out
}

// Len returns the number of undelivered requests. A request being processed
// by a worker is no longer counted; workers that enqueue follow-ups do so
// before checking Len, which keeps the drain loop from exiting early.
func (q *RequestQueue) Len() int {
	return int(q.length.Load())
}

// Close terminates the pump goroutine. Pending requests are discarded.
// Intended for the very end of shutdown, after all consumers stopped.
func (q *RequestQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// pump moves requests from in to out, buffering without bound in between.
func (q *RequestQueue) pump() {
	var buf []Request
	for {
		var out chan Request
		var next Request
		if len(buf) > 0 {
			out = q.out
			next = buf[0]
		}

		select {
		case r := <-q.in:
			buf = append(buf, r)
		case out <- next:
			q.length.Add(-1)
			buf = buf[1:]
		case <-q.done:
			return
		}
	}
}
