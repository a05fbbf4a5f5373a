package app

import (
	"context"
	"time"
)

// retries the given function up to "retries" times (forever when negative),
// doubling the wait between attempts from "initial" up to "max"; aborts early
// when the context is cancelled
func RetryBackoff(ctx context.Context, f func() error, retries int, initial, max time.Duration) error {
	wait := initial
	var err error
	for i := 0; ; i++ {
		if err = f(); err == nil {
			return nil
		}
		if i == retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > max {
			wait = max
		}
	}
}
