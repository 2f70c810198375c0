package deploy

import (
	"container/heap"
	"sync"
	"time"
)

// defaultExpirySleep is how long a worker sleeps between expiry checks when
// no instance is scheduled to expire.
const defaultExpirySleep = 60 * time.Second

// ExpiryEntry schedules an automatic stop for one (user, challenge) pair.
type ExpiryEntry struct {
	UserID      string
	ChallengeID string
	StopTime    int64 // epoch milliseconds
}

// entryHeap is a min-heap of expiry entries ordered by StopTime.
type entryHeap []ExpiryEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].StopTime < h[j].StopTime }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(ExpiryEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// ExpiryQueue tracks pending TTL expiries under a single mutex. At most one
// entry exists per (user, challenge) key; pushing the key again replaces the
// old entry, which is how extensions move a scheduled stop.
//
// The mutex is only ever held for heap operations (O(log n) push/pop, O(n)
// keyed removal), never across I/O. Queue size is bounded by the number of
// live instances, so the linear scan on keyed removal is acceptable.
type ExpiryQueue struct {
	mu sync.Mutex
	h  entryHeap
}

// NewExpiryQueue creates an empty queue.
func NewExpiryQueue() *ExpiryQueue {
	return &ExpiryQueue{}
}

// Push schedules (or reschedules) an expiry for the key.
func (q *ExpiryQueue) Push(userID, challengeID string, stopTime int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeKeyLocked(userID, challengeID)
	heap.Push(&q.h, ExpiryEntry{UserID: userID, ChallengeID: challengeID, StopTime: stopTime})
}

// PopKey removes any entry for the key. No-op if absent.
func (q *ExpiryQueue) PopKey(userID, challengeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeKeyLocked(userID, challengeID)
}

// removeKeyLocked removes the entry for the key if present. Callers must
// hold q.mu.
func (q *ExpiryQueue) removeKeyLocked(userID, challengeID string) {
	for i, e := range q.h {
		if e.UserID == userID && e.ChallengeID == challengeID {
			heap.Remove(&q.h, i)
			return
		}
	}
}

// PopExpired removes and returns every entry whose stop time has passed,
// in expiry order.
func (q *ExpiryQueue) PopExpired(now int64) []ExpiryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []ExpiryEntry
	for len(q.h) > 0 && q.h[0].StopTime <= now {
		expired = append(expired, heap.Pop(&q.h).(ExpiryEntry))
	}
	return expired
}

// UntilNext returns how long a worker may sleep before the next entry
// expires, or defaultExpirySleep when the queue is empty.
func (q *ExpiryQueue) UntilNext(now int64) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return defaultExpirySleep
	}
	delta := q.h[0].StopTime - now
	if delta < 0 {
		return 0
	}
	return time.Duration(delta) * time.Millisecond
}

// Len returns the number of scheduled expiries.
func (q *ExpiryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Peek returns the next entry to expire without removing it.
func (q *ExpiryQueue) Peek() (ExpiryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return ExpiryEntry{}, false
	}
	return q.h[0], true
}
