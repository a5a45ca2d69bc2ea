// Package destdrv implements the core of a threaded destination driver: a
// per-destination worker goroutine that drains a message queue, invokes
// user-supplied delivery callbacks, enforces retry/backoff/drop policy for
// single and batched delivery, and publishes liveness counters.
package destdrv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config is the tunable surface of a ThreadedDestination.
type Config struct {
	// Name identifies the destination in logs and in PersistName/StatsName
	// when no custom formatter is supplied.
	Name string

	// RetriesMax bounds ERROR attempts for a single delivery unit before
	// it is dropped: a unit is tried at most RetriesMax times in total.
	// NOT_CONNECTED ignores this and always reconnects.
	RetriesMax int

	// BatchLines, when positive, makes the worker call Flush once the
	// batch reaches this many consecutive Queued verdicts. Zero leaves the
	// watermark entirely to the destination's own callbacks (the SQL
	// consumer commits on its flush_lines internally); the worker then
	// flushes only on an empty-queue turn or when a rewound batch has been
	// fully replayed.
	BatchLines int

	// TimeReopen is the sleep between a connection loss and the next
	// reconnect attempt. Zero means reconnect immediately.
	TimeReopen time.Duration

	// ShutdownGrace bounds the final flush attempted for a pending batch
	// when the worker is stopped.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the documented defaults: retries_max=3, no
// worker-side batch watermark, time_reopen=60s.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		RetriesMax:    3,
		BatchLines:    0,
		TimeReopen:    60 * time.Second,
		ShutdownGrace: 5 * time.Second,
	}
}

// ThreadedDestination is the driver base: a Queue, a set of Callbacks, and
// the worker's lifecycle/state. A concrete destination (e.g. pkg/sqldest)
// holds a *ThreadedDestination and supplies Callbacks; it does not embed or
// inherit it, per the capability-composition design.
type ThreadedDestination struct {
	cfg       Config
	queue     Queue
	callbacks Callbacks
	stats     StatsSink
	logger    *zap.Logger

	// PersistNameFn and StatsInstanceNameFn are caller-supplied formatters
	// deriving the driver's stable identity keys. PersistName keys the
	// queue's on-disk state across restarts; StatsInstanceName labels the
	// published counters.
	PersistNameFn       func() string
	StatsInstanceNameFn func() string

	// Worker-owned state mirrored for callbacks and tests. Callbacks run
	// on the worker goroutine and may read these freely; other goroutines
	// get atomic snapshots.
	seqNum         atomic.Int32
	batchSize      atomic.Int32
	retriesCounter atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// statsBinder lets a queue mirror its depth/memory into the driver's
// counters; MemoryQueue implements it.
type statsBinder interface {
	BindStats(stats StatsSink)
}

// New wires a ThreadedDestination from its collaborators. If stats is nil,
// an AtomicStats is used. If the queue supports stats binding (as
// MemoryQueue does), the driver's sink is attached so queued_messages and
// memory_usage track queue state.
func New(cfg Config, queue Queue, callbacks Callbacks, stats StatsSink, logger *zap.Logger) *ThreadedDestination {
	if stats == nil {
		stats = NewAtomicStats()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	td := &ThreadedDestination{
		cfg:       cfg,
		queue:     queue,
		callbacks: callbacks,
		stats:     stats,
		logger:    logger.With(zap.String("destination", cfg.Name)),
	}
	td.seqNum.Store(1)
	td.PersistNameFn = td.defaultPersistName
	td.StatsInstanceNameFn = td.defaultStatsInstanceName
	if binder, ok := queue.(statsBinder); ok {
		binder.BindStats(stats)
	}
	return td
}

func (td *ThreadedDestination) defaultPersistName() string {
	return fmt.Sprintf("destdrv(%s)", td.cfg.Name)
}

func (td *ThreadedDestination) defaultStatsInstanceName() string {
	return td.cfg.Name
}

// PersistName returns the driver's stable persistence key.
func (td *ThreadedDestination) PersistName() string { return td.PersistNameFn() }

// StatsInstanceName returns the driver's stable stats-registry key.
func (td *ThreadedDestination) StatsInstanceName() string { return td.StatsInstanceNameFn() }

// Stats exposes the driver's StatsSink for tests and external inspection.
func (td *ThreadedDestination) Stats() StatsSink { return td.stats }

// SeqNum is the per-attempt ordinal: it starts at 1 and advances once per
// Insert invocation, retries included, so a template can reference a
// unique number per delivery attempt.
func (td *ThreadedDestination) SeqNum() int32 { return td.seqNum.Load() }

// BatchSize counts the messages in the current delivery unit, including
// the one an in-flight Insert callback is looking at.
func (td *ThreadedDestination) BatchSize() int { return int(td.batchSize.Load()) }

// RetriesCounter counts consecutive failed ERROR attempts on the current
// delivery unit.
func (td *ThreadedDestination) RetriesCounter() int { return int(td.retriesCounter.Load()) }

// Enqueue accepts a message from the upstream pipeline: the pipe-intake
// capability. Every accepted message counts as processed; if the queue had
// to discard an older message to make room, that one counts as dropped.
func (td *ThreadedDestination) Enqueue(msg Message) {
	td.stats.Incr(ProcessedMessages)
	if td.queue.Push(msg) {
		td.stats.Incr(DroppedMessages)
		td.logger.Warn("Destination queue full, oldest message dropped while sending to destination")
	}
}

// Start launches the worker goroutine. Safe to call once; a second call is
// a no-op.
func (td *ThreadedDestination) Start(ctx context.Context) {
	td.mu.Lock()
	defer td.mu.Unlock()
	if td.started {
		return
	}
	td.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	td.cancel = cancel

	td.wg.Add(1)
	go func() {
		defer td.wg.Done()
		runWorker(workerCtx, td)
	}()
}

// Stop signals the worker to exit, waits for it to settle the current
// delivery unit (a pending batch gets one final flush under
// ShutdownGrace, and is rewound to the backlog if that flush does not
// succeed), then disconnects.
func (td *ThreadedDestination) Stop() {
	td.mu.Lock()
	cancel := td.cancel
	td.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	td.wg.Wait()
	if td.callbacks.Disconnect != nil {
		td.callbacks.Disconnect()
	}
}
