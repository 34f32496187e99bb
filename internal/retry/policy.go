// Package retry holds the backoff policy consumed by the blob transport.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how a failing operation is retried
type Policy struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait computed by the backoff.
	MaxDelay time.Duration
	// Multiplier grows the wait between attempts.
	Multiplier float64
	// Jitter randomizes each wait by +/- Jitter*wait.
	Jitter float64
}

// DefaultPolicy makes five attempts starting at two seconds and doubling
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

// Decision is the classification of one failed attempt
type Decision struct {
	Retryable  bool
	RetryAfter time.Duration
}

// Classifier decides whether an error is worth another attempt
type Classifier func(err error) Decision

// Notify is called before each wait
type Notify func(err error, attempt int, wait time.Duration)

// ExhaustedError is returned when every attempt failed with a retryable
// error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

// Error returns the error message
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// NewBackOff builds the backoff schedule for one operation
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Do runs op until it succeeds, classify marks its error as permanent, the
// attempts run out, or ctx is done. A permanent error is returned as is;
// running out of attempts returns *ExhaustedError. A retry-after hint
// longer than the scheduled wait replaces it.
func (p Policy) Do(ctx context.Context, op func(attempt int) error, classify Classifier, notify Notify) error {
	schedule := p.NewBackOff()

	for attempt := 1; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		decision := classify(err)
		if !decision.Retryable {
			return err
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}
		if decision.RetryAfter > wait {
			wait = decision.RetryAfter
		}

		if notify != nil {
			notify(err, attempt, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
