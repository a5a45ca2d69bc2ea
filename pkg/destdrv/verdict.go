package destdrv

// Verdict is the driver's reply to a delivery callback (insert or flush).
type Verdict int

const (
	// Success means the message (or batch) is durably accepted.
	Success Verdict = iota

	// Queued means the message is buffered inside the driver and is not
	// yet durable. Only a valid return value from Insert.
	Queued

	// Drop means the message is invalid for this destination and must be
	// discarded immediately, with no retry.
	Drop

	// Error is a transient application-level failure: retry within the
	// retry budget, then drop.
	Error

	// NotConnected is a transport/session failure: retry indefinitely
	// after reconnect and a time_reopen sleep.
	NotConnected
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "SUCCESS"
	case Queued:
		return "QUEUED"
	case Drop:
		return "DROP"
	case Error:
		return "ERROR"
	case NotConnected:
		return "NOT_CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Action is the retry policy's verdict on what the worker loop should do
// next for the current delivery unit.
type Action int

const (
	// Ack commits the delivery unit: ack the message(s), count as written.
	Ack Action = iota

	// Retry re-invokes the callback on the same unit, consuming one
	// attempt from the retry budget.
	Retry

	// DropUnit discards the delivery unit: ack the message(s), count as
	// dropped.
	DropUnit

	// ReconnectAndRetry tears the transport down, sleeps time_reopen,
	// reconnects, and retries the same unit. Does not consume the retry
	// budget.
	ReconnectAndRetry
)

// NextAction is a pure function of (last verdict, retries so far, retry
// budget) yielding the worker's next move. retriesCounter counts failed
// attempts on the current delivery unit including the one that just
// returned v, so a unit is attempted exactly retriesMax times before
// DropUnit. NotConnected always maps to ReconnectAndRetry regardless of
// the counter, the one behavioral difference from Error that the whole
// retry budget exists to express.
func NextAction(v Verdict, retriesCounter, retriesMax int) Action {
	switch v {
	case Success:
		return Ack
	case Drop:
		return DropUnit
	case NotConnected:
		return ReconnectAndRetry
	case Error:
		if retriesCounter < retriesMax {
			return Retry
		}
		return DropUnit
	default:
		return DropUnit
	}
}
