package destdrv

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// reconnectWithBackoff calls connect in a loop, sleeping timeReopen between
// attempts, until connect returns true or ctx is cancelled. Unbounded
// attempts mirrors NOT_CONNECTED's ReconnectAndRetry: the worker never gives
// up reconnecting on its own, only a context cancellation (stop signal)
// ends the loop.
//
// time_reopen is a fixed interval rather than an exponential backoff, so
// retry.FixedDelay is used and retry.Attempts is left unbounded.
func reconnectWithBackoff(ctx context.Context, connect func(ctx context.Context) bool, timeReopen time.Duration, logger *zap.Logger) bool {
	err := retry.Do(
		func() error {
			if connect(ctx) {
				return nil
			}
			return errConnectFailed
		},
		retry.Context(ctx),
		retry.Delay(timeReopen),
		retry.DelayType(retry.FixedDelay),
		retry.Attempts(0), // unbounded: retry-go treats 0 as "until context done"
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Server disconnected, reconnect attempt failed",
				zap.Uint("attempt", n+1))
		}),
	)
	return err == nil
}

var errConnectFailed = &connectError{}

type connectError struct{}

func (e *connectError) Error() string { return "connect callback returned false" }
