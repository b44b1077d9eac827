// Package retry runs operations with exponential backoff. Used around
// payment processor calls and fund movements where transient failures
// are expected but declined authorizations must not be replayed.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do gives up immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times. The delay doubles after each
// failure, with +-25% jitter so synchronized retries spread out. A nil
// return, a *PermanentError, or a cancelled ctx ends the loop early;
// a permanent error comes back unwrapped.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}
}

// jittered returns delay +-25%.
func jittered(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	spread := int64(delay) / 2
	return delay - delay/4 + time.Duration(rand.Int64N(spread+1))
}
