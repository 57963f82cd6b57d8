package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const DefaultMaxRetries = 3

// Policy retries an operation with exponential backoff.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	NewBackOff func() backoff.BackOff
	// Retryable reports whether an error may succeed when retried.
	// All errors are retried when nil.
	Retryable func(error) bool
	Sleep     func(ctx context.Context, d time.Duration) error
	OnRetry   func(attempt int, delay time.Duration, err error)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %s", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// NewExponentialBackOff returns a backoff of 1s, 2s, 4s, ... up to 10s without jitter.
func NewExponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 10 * time.Second
	b.Reset()
	return b
}

// Do runs op until it succeeds, fails permanently or the retries are exhausted.
// The attempt passed to op starts at 1.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) error {
	newBackOff := p.NewBackOff
	if newBackOff == nil {
		newBackOff = NewExponentialBackOff
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	b := newBackOff()

	for attempt := 1; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Unwrap()
		}

		if ctx.Err() != nil {
			return err
		}

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		if attempt > p.MaxRetries {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("wait for retry: %w", err)
		}
	}
}

// Sleep waits for the given duration or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
