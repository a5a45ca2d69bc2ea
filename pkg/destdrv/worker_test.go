package destdrv

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// testDestination mirrors the original threaded-destination test fixture: a
// driver whose Insert/Flush callbacks are closures over a handful of
// counters, plus an observed logger so tests can match on diagnostic text.
type testDestination struct {
	td    *ThreadedDestination
	queue *MemoryQueue
	logs  *observer.ObservedLogs

	insertCounter  atomic.Int64
	flushCounter   atomic.Int64
	failureCounter atomic.Int64
	flushSize      atomic.Int64

	// prevFlushSize backs the batch-size-constancy assertion; only the
	// worker goroutine touches it.
	prevFlushSize int
}

func newTestDestination(t *testing.T, mutate func(cfg *Config)) *testDestination {
	t.Helper()

	cfg := DefaultConfig("test-destination")
	cfg.TimeReopen = 0
	cfg.ShutdownGrace = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	d := &testDestination{
		queue: NewMemoryQueue(1000, 0),
		logs:  logs,
	}
	d.td = New(cfg, d.queue, Callbacks{
		Connect:    func(ctx context.Context) bool { return true },
		Disconnect: func() {},
	}, NewAtomicStats(), zap.New(core))
	return d
}

// start installs the callbacks and launches the worker; the returned stop
// function is idempotent and registered as test cleanup.
func (d *testDestination) start(t *testing.T, insert func(ctx context.Context, msg Message) Verdict, flush func(ctx context.Context) Verdict) {
	t.Helper()
	d.td.callbacks.Insert = insert
	d.td.callbacks.Flush = flush
	ctx, cancel := context.WithCancel(context.Background())
	d.td.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.td.Stop()
	})
}

func (d *testDestination) enqueueMessages(n int) {
	for i := 0; i < n; i++ {
		d.td.Enqueue("message")
	}
}

func (d *testDestination) stat(c StatCounter) int64 { return d.td.Stats().Get(c) }

// assertBatchSizeConstantAcrossRetries reproduces the original fixture's
// check: once a retry is underway, every replay must present the batch at
// exactly the size it had when it first failed.
func (d *testDestination) assertBatchSizeConstantAcrossRetries(t *testing.T) {
	if d.td.RetriesCounter() > 0 {
		assert.Equal(t, d.prevFlushSize, d.td.BatchSize(),
			"batch size changed between retry attempts")
	} else {
		d.prevFlushSize = d.td.BatchSize()
	}
}

// waitForCounter polls a stats counter until it reaches the expected value,
// substituting for the original fixture's spin-on-counter loop.
func (d *testDestination) waitForCounter(t *testing.T, c StatCounter, expected int64) {
	t.Helper()
	require.Eventually(t, func() bool { return d.stat(c) == expected },
		10*time.Second, time.Millisecond,
		"counter %s did not reach %d (now %d)", c, expected, d.stat(c))
}

func (d *testDestination) assertLogContains(t *testing.T, snippet string) {
	t.Helper()
	assert.NotZero(t, d.logs.FilterMessageSnippet(snippet).Len(),
		"expected a log line containing %q", snippet)
}

func TestWorkerSingleMessageIsProperlyProcessed(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, nil)
	d.start(t, func(ctx context.Context, msg Message) Verdict {
		d.insertCounter.Add(1)
		return Success
	}, nil)

	d.enqueueMessages(1)
	d.waitForCounter(t, WrittenMessages, 1)

	assert.EqualValues(t, 1, d.insertCounter.Load())
	assert.EqualValues(t, 1, d.stat(ProcessedMessages))
	assert.EqualValues(t, 1, d.stat(WrittenMessages))
	assert.EqualValues(t, 0, d.stat(DroppedMessages))
	assert.EqualValues(t, 0, d.stat(MemoryUsage))
	assert.EqualValues(t, 2, d.td.SeqNum())
}

func TestWorkerMessageDropsAreAccountedAndReported(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, nil)
	d.start(t, func(ctx context.Context, msg Message) Verdict {
		d.insertCounter.Add(1)
		return Drop
	}, nil)

	d.enqueueMessages(1)
	d.waitForCounter(t, DroppedMessages, 1)

	assert.EqualValues(t, 1, d.insertCounter.Load())
	assert.EqualValues(t, 1, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(WrittenMessages))
	assert.EqualValues(t, 2, d.td.SeqNum())
	d.assertLogContains(t, "dropped while sending")
}

func TestWorkerConnectionFailureIsRetriedIndefinitely(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, nil)
	d.start(t, func(ctx context.Context, msg Message) Verdict {
		if d.insertCounter.Add(1) <= 10 {
			return NotConnected
		}
		return Success
	}, nil)

	d.enqueueMessages(1)
	d.waitForCounter(t, WrittenMessages, 1)

	assert.EqualValues(t, 11, d.insertCounter.Load())
	assert.EqualValues(t, 1, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(DroppedMessages))
	assert.EqualValues(t, 12, d.td.SeqNum())
	d.assertLogContains(t, "Server disconnected")
}

func TestWorkerErrorResultRetriesMaxTimesAndThenDrops(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, func(cfg *Config) { cfg.RetriesMax = 5 })
	d.start(t, func(ctx context.Context, msg Message) Verdict {
		d.insertCounter.Add(1)
		return Error
	}, nil)

	d.enqueueMessages(1)
	d.waitForCounter(t, DroppedMessages, 1)

	assert.EqualValues(t, 5, d.insertCounter.Load())
	assert.EqualValues(t, 1, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(WrittenMessages))
	assert.EqualValues(t, 6, d.td.SeqNum())
	d.assertLogContains(t, "Error occurred while")
	d.assertLogContains(t, "Multiple failures while sending")
}

func TestWorkerErrorResultRetriesAndThenAccepts(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, func(cfg *Config) { cfg.RetriesMax = 5 })
	d.start(t, func(ctx context.Context, msg Message) Verdict {
		if d.insertCounter.Add(1) <= 4 {
			return Error
		}
		return Success
	}, nil)

	d.enqueueMessages(1)
	d.waitForCounter(t, WrittenMessages, 1)

	assert.EqualValues(t, 5, d.insertCounter.Load())
	assert.EqualValues(t, 1, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(DroppedMessages))
	assert.EqualValues(t, 6, d.td.SeqNum())
	d.assertLogContains(t, "Error occurred while")
}

// batchedInsert returns an Insert callback that queues until the batch
// holds five messages and then settles the whole batch with the verdict
// produced by terminal.
func (d *testDestination) batchedInsert(terminal func() Verdict) func(ctx context.Context, msg Message) Verdict {
	return func(ctx context.Context, msg Message) Verdict {
		d.insertCounter.Add(1)
		if d.td.BatchSize() < 5 {
			return Queued
		}
		d.flushSize.Add(int64(d.td.BatchSize()))
		return terminal()
	}
}

func (d *testDestination) batchedFlush(terminal func() Verdict) func(ctx context.Context) Verdict {
	return func(ctx context.Context) Verdict {
		d.flushCounter.Add(1)
		d.flushSize.Add(int64(d.td.BatchSize()))
		return terminal()
	}
}

func TestWorkerBatchedMessagesAreDelivered(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, nil)
	d.start(t,
		d.batchedInsert(func() Verdict { return Success }),
		d.batchedFlush(func() Verdict { return Success }))

	d.enqueueMessages(10)
	d.waitForCounter(t, WrittenMessages, 10)

	assert.EqualValues(t, 10, d.insertCounter.Load())
	assert.EqualValues(t, 10, d.flushSize.Load())
	assert.EqualValues(t, 10, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(DroppedMessages))
	assert.EqualValues(t, 0, d.stat(MemoryUsage))
	assert.EqualValues(t, 11, d.td.SeqNum())
}

func TestWorkerBatchedMessagesAreDroppedAsAWhole(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, nil)
	d.start(t,
		d.batchedInsert(func() Verdict { return Drop }),
		d.batchedFlush(func() Verdict { return Drop }))

	d.enqueueMessages(10)
	d.waitForCounter(t, DroppedMessages, 10)

	assert.EqualValues(t, 10, d.insertCounter.Load())
	assert.EqualValues(t, 10, d.flushSize.Load())
	assert.EqualValues(t, 10, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(WrittenMessages))
	assert.EqualValues(t, 0, d.stat(MemoryUsage))
	assert.EqualValues(t, 11, d.td.SeqNum())
	d.assertLogContains(t, "dropped while sending")
}

func TestWorkerBatchedErrorReplaysWholeBatchAndThenDrops(t *testing.T) {
	t.Parallel()

	const retriesMax = 5

	d := newTestDestination(t, func(cfg *Config) { cfg.RetriesMax = retriesMax })
	terminal := func() Verdict {
		d.assertBatchSizeConstantAcrossRetries(t)
		return Error
	}
	d.start(t, d.batchedInsert(terminal), d.batchedFlush(terminal))

	d.enqueueMessages(10)
	d.waitForCounter(t, DroppedMessages, 10)

	assert.EqualValues(t, retriesMax*10, d.insertCounter.Load(),
		"every message should have been attempted %d times", retriesMax)
	assert.EqualValues(t, retriesMax*10, d.flushSize.Load())
	assert.EqualValues(t, 10, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(WrittenMessages))
	assert.EqualValues(t, 0, d.stat(MemoryUsage))
	assert.EqualValues(t, retriesMax*10+1, d.td.SeqNum())
	d.assertLogContains(t, "Error occurred while")
	d.assertLogContains(t, "Multiple failures while sending")
}

func TestWorkerBatchedErrorReplaysWholeBatchAndThenDelivers(t *testing.T) {
	t.Parallel()

	const failingAttempts = 2
	totalAttempts := failingAttempts + 1

	d := newTestDestination(t, func(cfg *Config) { cfg.RetriesMax = 5 })
	terminal := func() Verdict {
		d.assertBatchSizeConstantAcrossRetries(t)
		if d.td.RetriesCounter() >= failingAttempts {
			return Success
		}
		return Error
	}
	d.start(t, d.batchedInsert(terminal), d.batchedFlush(terminal))

	d.enqueueMessages(10)
	d.waitForCounter(t, WrittenMessages, 10)

	assert.EqualValues(t, totalAttempts*10, d.insertCounter.Load())
	assert.EqualValues(t, totalAttempts*10, d.flushSize.Load())
	assert.EqualValues(t, 10, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(DroppedMessages))
	assert.EqualValues(t, 0, d.stat(MemoryUsage))
	assert.EqualValues(t, int32(totalAttempts*10+1), d.td.SeqNum())
	d.assertLogContains(t, "Error occurred while")
}

func TestWorkerBatchedNotConnectedReplaysUntilDelivered(t *testing.T) {
	t.Parallel()

	const failingAttempts = 20
	totalAttempts := failingAttempts + 1

	d := newTestDestination(t, func(cfg *Config) { cfg.RetriesMax = 5 })
	terminal := func() Verdict {
		d.assertBatchSizeConstantAcrossRetries(t)
		if d.failureCounter.Add(1) > failingAttempts {
			d.failureCounter.Store(0)
			return Success
		}
		return NotConnected
	}
	d.start(t, d.batchedInsert(terminal), d.batchedFlush(terminal))

	d.enqueueMessages(10)
	d.waitForCounter(t, WrittenMessages, 10)

	assert.EqualValues(t, totalAttempts*10, d.insertCounter.Load())
	assert.EqualValues(t, totalAttempts*10, d.flushSize.Load())
	assert.EqualValues(t, 10, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(DroppedMessages))
	assert.EqualValues(t, 0, d.stat(MemoryUsage))
	assert.EqualValues(t, int32(totalAttempts*10+1), d.td.SeqNum())
	d.assertLogContains(t, "Server disconnected")
}

func TestWorkerThrottleIncreasesFlushCount(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, nil)
	// 3 messages per second, set on the already-initialized queue.
	d.queue.SetThrottle(3)
	d.start(t,
		d.batchedInsert(func() Verdict { return Success }),
		d.batchedFlush(func() Verdict { return Success }))

	started := time.Now()
	d.enqueueMessages(20)
	d.waitForCounter(t, WrittenMessages, 20)
	elapsed := time.Since(started)

	// The first bucket's worth goes out immediately, the remaining
	// messages pace out at the configured rate.
	assert.Greater(t, elapsed, 5*time.Second)
	assert.EqualValues(t, 20, d.insertCounter.Load())
	assert.EqualValues(t, 20, d.flushSize.Load())
	assert.Greater(t, d.flushCounter.Load(), int64(3))
	assert.EqualValues(t, 20, d.stat(ProcessedMessages))
	assert.EqualValues(t, 0, d.stat(DroppedMessages))
	assert.EqualValues(t, 0, d.stat(MemoryUsage))
	assert.EqualValues(t, 21, d.td.SeqNum())
}

func TestWorkerShutdownFlushesPendingBatch(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, nil)
	d.start(t, func(ctx context.Context, msg Message) Verdict {
		d.insertCounter.Add(1)
		return Queued
	}, func(ctx context.Context) Verdict {
		d.flushCounter.Add(1)
		return Success
	})

	d.enqueueMessages(3)
	require.Eventually(t, func() bool { return d.insertCounter.Load() == 3 },
		5*time.Second, time.Millisecond)

	d.td.Stop()

	assert.EqualValues(t, 3, d.stat(WrittenMessages))
	assert.EqualValues(t, 0, d.stat(MemoryUsage))
	assert.NotZero(t, d.flushCounter.Load())
}

func TestWorkerShutdownRewindsBatchWhenFinalFlushFails(t *testing.T) {
	t.Parallel()

	d := newTestDestination(t, nil)
	d.start(t, func(ctx context.Context, msg Message) Verdict {
		d.insertCounter.Add(1)
		return Queued
	}, func(ctx context.Context) Verdict {
		return NotConnected
	})

	d.enqueueMessages(3)
	require.Eventually(t, func() bool { return d.insertCounter.Load() >= 3 },
		5*time.Second, time.Millisecond)

	d.td.Stop()

	// The failed final flush must leave the batch redeliverable.
	assert.EqualValues(t, 0, d.stat(WrittenMessages))
	assert.Equal(t, 3, d.queue.Length())
}

func TestThreadedDestinationNames(t *testing.T) {
	t.Parallel()

	td := New(DefaultConfig("sql-out"), NewMemoryQueue(10, 0), Callbacks{}, nil, nil)
	assert.Equal(t, "destdrv(sql-out)", td.PersistName())
	assert.Equal(t, "sql-out", td.StatsInstanceName())

	td.PersistNameFn = func() string { return "custom-persist-key" }
	assert.Equal(t, "custom-persist-key", td.PersistName())
}
