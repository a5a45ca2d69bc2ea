package destdrv

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// MemoryQueue is the reference in-memory Queue implementation: a ring
// buffer of pending messages plus a FIFO backlog of popped-but-unacked
// messages a worker can RewindBacklog back into place, with an optional
// token-bucket throttle (golang.org/x/time/rate) implementing the
// per-destination N-messages-per-second credit.
//
// When stats are bound, the queue mirrors its state into the
// QueuedMessages (pending depth) and MemoryUsage (bytes held, pending plus
// backlog) counters; both drain back to zero once every message has been
// acknowledged.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []Message
	head     int
	tail     int
	count    int
	capacity int

	backlog []Message // popped, unacked, oldest first

	limiter *rate.Limiter

	stats StatsSink
	sizer func(Message) int64
}

// NewMemoryQueue creates a ring buffer with the given capacity. If
// throttleHz > 0, Pop yields at most throttleHz messages per second,
// reporting "nothing this turn" whenever the token bucket is empty.
func NewMemoryQueue(capacity int, throttleHz int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	q := &MemoryQueue{
		items:    make([]Message, capacity),
		capacity: capacity,
		sizer:    defaultMessageSize,
	}
	if throttleHz > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(throttleHz), throttleHz)
	}
	return q
}

// SetThrottle installs or replaces the token-bucket throttle on an already
// constructed queue, with a burst of one bucket's worth. perSec <= 0
// removes the throttle.
func (q *MemoryQueue) SetThrottle(perSec int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if perSec <= 0 {
		q.limiter = nil
		return
	}
	q.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
}

// BindStats attaches a StatsSink the queue mirrors its QueuedMessages and
// MemoryUsage state into. Called by ThreadedDestination during wiring.
func (q *MemoryQueue) BindStats(stats StatsSink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats = stats
}

func defaultMessageSize(msg Message) int64 {
	switch m := msg.(type) {
	case string:
		return int64(len(m))
	case []byte:
		return int64(len(m))
	default:
		return 1
	}
}

// Push implements Queue, dropping the oldest pending message if the buffer
// is full.
func (q *MemoryQueue) Push(msg Message) (droppedOldest bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.capacity {
		old := q.items[q.head]
		q.items[q.head] = nil
		q.head = (q.head + 1) % q.capacity
		q.count--
		droppedOldest = true
		if q.stats != nil {
			q.stats.Decr(QueuedMessages)
			q.stats.Add(MemoryUsage, -q.sizer(old))
		}
	}

	q.items[q.tail] = msg
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	if q.stats != nil {
		q.stats.Incr(QueuedMessages)
		q.stats.Add(MemoryUsage, q.sizer(msg))
	}
	return droppedOldest
}

// Pop implements Queue. It never blocks: an empty queue or an exhausted
// throttle bucket both report ok=false, ending the caller's turn. A popped
// message moves to the backlog and stays charged against MemoryUsage until
// acknowledged.
func (q *MemoryQueue) Pop(ctx context.Context) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, false
	}
	if q.limiter != nil && !q.limiter.Allow() {
		return nil, false
	}

	msg := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.backlog = append(q.backlog, msg)
	if q.stats != nil {
		q.stats.Decr(QueuedMessages)
	}
	return msg, true
}

// AckBacklog implements Queue: releases the n oldest backlog messages.
func (q *MemoryQueue) AckBacklog(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.backlog) {
		n = len(q.backlog)
	}
	if q.stats != nil {
		for _, msg := range q.backlog[:n] {
			q.stats.Add(MemoryUsage, -q.sizer(msg))
		}
	}
	q.backlog = append(q.backlog[:0], q.backlog[n:]...)
}

// RewindBacklog implements Queue: returns the n most recently popped
// backlog messages to the front of the queue, in their original order.
func (q *MemoryQueue) RewindBacklog(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.backlog) {
		n = len(q.backlog)
	}
	if n == 0 {
		return
	}

	start := len(q.backlog) - n
	toRewind := append([]Message(nil), q.backlog[start:]...)
	q.backlog = q.backlog[:start]

	for i := len(toRewind) - 1; i >= 0; i-- {
		q.pushFront(toRewind[i])
	}
	if q.stats != nil {
		q.stats.Add(QueuedMessages, int64(n))
	}
}

func (q *MemoryQueue) pushFront(msg Message) {
	q.head = (q.head - 1 + q.capacity) % q.capacity
	q.items[q.head] = msg
	q.count++
}

// Length implements Queue.
func (q *MemoryQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// BacklogLength reports how many popped messages are awaiting
// acknowledgement. Used by tests.
func (q *MemoryQueue) BacklogLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}
