package destdrv

import "context"

// Message is an opaque handle to whatever the upstream pipeline enqueued.
// The core never inspects it; it is only ever handed to Callbacks and to
// the Queue.
type Message = any

// Callbacks are the functions a concrete destination supplies. Connect and
// Disconnect may be called many times over the driver's life; Disconnect
// must be idempotent. Flush is nil for destinations that never return
// Queued from Insert.
//
// Modeled as function-object fields rather than an interface a driver
// implements, so a driver can be assembled from closures without a named
// type per destination.
type Callbacks struct {
	Connect    func(ctx context.Context) bool
	Disconnect func()
	Insert     func(ctx context.Context, msg Message) Verdict
	Flush      func(ctx context.Context) Verdict
}

// Queue is the thin semantic view the worker needs over the external
// durable message queue. FIFO semantics, disk overflow and throttling
// credits live in the real queue implementation; the worker consumes only
// these operations.
//
// A popped message stays in the queue's backlog until acknowledged, so
// acknowledgement and rewind work by count, oldest-first and newest-first
// respectively, rather than by message identity.
type Queue interface {
	// Push enqueues a message. Returns true if an older message had to be
	// discarded to make room.
	Push(msg Message) (droppedOldest bool)

	// Pop returns the next message if one is available and the throttle
	// grants a credit for this turn. The message moves to the backlog; it
	// is redelivered only after RewindBacklog. ok is false when the queue
	// had nothing to offer this turn (empty, or throttled); the worker
	// uses that as its idle-flush hint.
	Pop(ctx context.Context) (msg Message, ok bool)

	// AckBacklog acknowledges the n oldest backlog messages, releasing
	// them for good.
	AckBacklog(n int)

	// RewindBacklog returns the n most recently popped backlog messages
	// to the front of the queue, preserving their original order, so the
	// next pops redeliver them.
	RewindBacklog(n int)

	// Length reports how many messages are waiting to be popped.
	Length() int
}

// StatsSink is the named-counter interface the core publishes through.
// The real statistics registry lives in the host process; this module
// ships two concrete implementations, see stats.go.
type StatsSink interface {
	Incr(name StatCounter)
	Decr(name StatCounter)
	Add(name StatCounter, delta int64)
	Set(name StatCounter, value int64)
	Get(name StatCounter) int64
}

// Renderer is the opaque `render(template, msg) -> string` primitive.
// Message objects, template compilation and timezone handling live
// entirely on the other side of this interface.
type Renderer interface {
	Render(ctx context.Context, template string, msg Message, seqNum int32) (string, error)
}
