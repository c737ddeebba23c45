// Package retry runs sink writes and webhook deliveries with exponential
// backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// AfterError asks for the next attempt to wait at least Wait, as an
// enforcement endpoint does with Retry-After on 429 or 503.
type AfterError struct {
	Wait time.Duration
	Err  error
}

func (e *AfterError) Error() string { return e.Err.Error() }
func (e *AfterError) Unwrap() error { return e.Err }

// After wraps err with a minimum wait before the next attempt.
func After(wait time.Duration, err error) error {
	return &AfterError{Wait: wait, Err: err}
}

// Policy describes a retry schedule. The zero value makes one attempt.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps both the backoff and any server-requested wait. Zero
	// means no cap.
	MaxDelay time.Duration
	// OnRetry, when set, is called before each sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// used up, or ctx is cancelled. BaseDelay doubles on each retry with +-25%
// jitter. A permanent error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			break
		}

		jitter := delay / 4
		wait := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
		var ae *AfterError
		if errors.As(err, &ae) && ae.Wait > wait {
			wait = ae.Wait
		}
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}

	return err
}

// Do is shorthand for a Policy with no cap and no hook.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, func(context.Context) error {
		return fn()
	})
}
