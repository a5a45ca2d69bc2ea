package destdrv

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// pollInterval bounds how long the worker idles between empty-queue turns;
// keeps the main loop from busy-spinning while staying responsive.
const pollInterval = 5 * time.Millisecond

// worker holds the loop state for one ThreadedDestination's goroutine. The
// batch/retry counters are mirrored into the ThreadedDestination so
// callbacks (which run on this goroutine) and tests can observe them; the
// worker itself is the only writer.
type worker struct {
	td     *ThreadedDestination
	logger *zap.Logger

	batchSize      int
	retriesCounter int

	// rewoundBatchSize remembers how large the delivery unit was when it
	// was rewound for a retry. While replaying, the worker forces a flush
	// as soon as the batch reaches that size again, so the same set of
	// messages is retried and the unit cannot grow between attempts.
	rewoundBatchSize int
}

// runWorker is the worker loop: connect, then repeatedly pop a message,
// drive it through Insert, and react to the verdict. A batch accumulates
// across consecutive Queued verdicts and is settled by the terminal
// verdict of a later Insert or Flush; the worker calls Flush when the
// queue comes up empty for a turn, when a rewound batch has been fully
// replayed, or when the optional BatchLines watermark is reached.
func runWorker(ctx context.Context, td *ThreadedDestination) {
	w := &worker{td: td, logger: td.logger}

	if !td.callbacks.Connect(ctx) {
		if !reconnectWithBackoff(ctx, td.callbacks.Connect, td.cfg.TimeReopen, w.logger) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.shutdownFlush()
			return
		default:
		}

		msg, ok := td.queue.Pop(ctx)
		if !ok {
			if w.batchSize > 0 {
				w.performFlush(ctx)
			}
			select {
			case <-ctx.Done():
				w.shutdownFlush()
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		w.insertMessage(ctx, msg)

		if w.batchSize > 0 {
			if (w.rewoundBatchSize > 0 && w.batchSize >= w.rewoundBatchSize) ||
				(td.cfg.BatchLines > 0 && w.batchSize >= td.cfg.BatchLines) {
				w.performFlush(ctx)
			}
		}
	}
}

// insertMessage drives one popped message through Insert. The message
// joins the current delivery unit before the callback runs, so the
// callback sees a batch size that includes it; seq_num steps once per
// invocation, after the callback returns.
func (w *worker) insertMessage(ctx context.Context, msg Message) {
	w.setBatchSize(w.batchSize + 1)
	verdict := w.td.callbacks.Insert(ctx, msg)
	w.td.seqNum.Add(1)
	w.processResult(ctx, verdict, "inserting")
}

// performFlush settles the accumulated batch through Flush. Flush does not
// advance seq_num; only Insert invocations do.
func (w *worker) performFlush(ctx context.Context) {
	if w.td.callbacks.Flush == nil || w.batchSize == 0 {
		return
	}
	verdict := w.td.callbacks.Flush(ctx)
	w.processResult(ctx, verdict, "flushing")
}

// processResult applies a delivery verdict to the current unit: a Queued
// unit keeps building, everything else is routed through the retry policy
// and the returned Action decides whether the unit is acked, dropped,
// rewound for another attempt, or redelivered after a reconnect.
func (w *worker) processResult(ctx context.Context, verdict Verdict, op string) {
	td := w.td

	if verdict == Queued {
		// The unit keeps building; settled by a later terminal verdict.
		return
	}
	if verdict == Error {
		w.setRetries(w.retriesCounter + 1)
		w.logger.Error("Error occurred while "+op+" message(s), retrying",
			zap.Int("retries", w.retriesCounter),
			zap.Int("batch_size", w.batchSize))
	}

	switch NextAction(verdict, w.retriesCounter, td.cfg.RetriesMax) {
	case Ack:
		w.setRetries(0)
		w.rewoundBatchSize = 0
		w.ackUnit(WrittenMessages)

	case DropUnit:
		if verdict == Drop {
			w.logger.Warn("Message(s) dropped while sending message to destination",
				zap.Int("batch_size", w.batchSize))
		} else {
			w.logger.Error("Multiple failures while sending message(s) to destination, dropping messages",
				zap.Int("number_of_retries", w.retriesCounter),
				zap.Int("batch_size", w.batchSize))
		}
		w.setRetries(0)
		w.rewoundBatchSize = 0
		w.ackUnit(DroppedMessages)

	case Retry:
		w.rewindUnit()

	case ReconnectAndRetry:
		w.logger.Warn("Server disconnected while sending message to destination, reconnecting",
			zap.Duration("time_reopen", td.cfg.TimeReopen),
			zap.Int("batch_size", w.batchSize))
		w.rewindUnit()
		if td.callbacks.Disconnect != nil {
			td.callbacks.Disconnect()
		}
		if !sleepInterruptible(ctx, td.cfg.TimeReopen) {
			return
		}
		reconnectWithBackoff(ctx, td.callbacks.Connect, td.cfg.TimeReopen, w.logger)
	}
}

// ackUnit acknowledges the whole delivery unit and accounts every message
// in it under counter (written or dropped).
func (w *worker) ackUnit(counter StatCounter) {
	if w.batchSize == 0 {
		return
	}
	w.td.queue.AckBacklog(w.batchSize)
	w.td.stats.Add(counter, int64(w.batchSize))
	w.setBatchSize(0)
}

// rewindUnit returns the whole delivery unit to the queue for redelivery
// and arms the replay guard so the retried unit keeps its size.
func (w *worker) rewindUnit() {
	if w.batchSize == 0 {
		return
	}
	w.rewoundBatchSize = w.batchSize
	w.td.queue.RewindBacklog(w.batchSize)
	w.setBatchSize(0)
}

// shutdownFlush gives a pending batch one final chance to land before the
// worker exits: a successful flush settles it, anything else rewinds it to
// the backlog so a later run can retry.
func (w *worker) shutdownFlush() {
	if w.batchSize == 0 {
		return
	}
	if w.td.callbacks.Flush != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.td.cfg.ShutdownGrace)
		defer cancel()
		if w.td.callbacks.Flush(ctx) == Success {
			w.ackUnit(WrittenMessages)
			return
		}
	}
	w.td.queue.RewindBacklog(w.batchSize)
	w.setBatchSize(0)
}

func (w *worker) setBatchSize(n int) {
	w.batchSize = n
	w.td.batchSize.Store(int32(n))
}

func (w *worker) setRetries(n int) {
	w.retriesCounter = n
	w.td.retriesCounter.Store(int32(n))
}

// sleepInterruptible sleeps for d unless ctx is cancelled first; reports
// whether the full sleep completed.
func sleepInterruptible(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
