// Package retry runs actions again with exponential backoff when they fail with a retryable error.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

const (
	// DefaultMinDelay is the first delay between attempts
	DefaultMinDelay = 500 * time.Millisecond
	// DefaultMaxDelay caps the delay between attempts
	DefaultMaxDelay = 30 * time.Second
)

type (
	// Retryable represents an error which should be able to be retried
	Retryable struct {
		Message string
		Err     error
	}
)

// Error implementation for Retryable
func (r *Retryable) Error() string {
	if r.Err != nil {
		return r.Message + ": " + r.Err.Error()
	}
	return r.Message
}

// Cause returns the error which made the attempt fail
func (r *Retryable) Cause() error {
	return r.Err
}

// Unwrap supports errors.Is and errors.As
func (r *Retryable) Unwrap() error {
	return r.Err
}

// Wrap marks err as retryable
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &Retryable{Message: message, Err: err}
}

// NewBackoff builds a jittered exponential backoff between min and max
func NewBackoff(min, max time.Duration) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    min,
		Max:    max,
		Factor: 2,
		Jitter: true,
	}
}

// Retry will attempt an action up to times times, waiting on b between attempts, as long as the action returns a
// Retryable error. Any other error, or ctx ending, stops the attempts.
func Retry(ctx context.Context, times int, b *backoff.Backoff, action func(ctx context.Context) error) error {
	if b == nil {
		b = NewBackoff(DefaultMinDelay, DefaultMaxDelay)
	}

	var lastErr error
	for i := 0; i < times; i++ {
		err := action(ctx)
		if err == nil {
			return nil
		}

		var retryable *Retryable
		if !errors.As(err, &retryable) {
			return err
		}
		lastErr = err

		if i == times-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return errors.Wrapf(lastErr, "giving up after %d attempts", times)
}
