// Package retry repeats an operation with exponential backoff until it
// succeeds, fails permanently or runs out of attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Action tells Do how to handle a failed attempt.
type Action int

const (
	Stop  Action = iota // permanent, give up now
	Retry               // transient, wait the current backoff
	After               // throttled, wait RateLimitBackoff
)

func (a Action) String() string {
	switch a {
	case Stop:
		return "stop"
	case Retry:
		return "retry"
	case After:
		return "after"
	default:
		return "unknown"
	}
}

type Policy struct {
	// MaxAttempts counts the first try. Values below one mean a single try.
	MaxAttempts    int
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling backoff. Zero leaves it uncapped.
	MaxBackoff       time.Duration
	RateLimitBackoff time.Duration
	// Clock times the waits between attempts. Nil uses the real clock.
	Clock   clockwork.Clock
	OnRetry func(attempt int, err error, backoff time.Duration)
}

type Classify func(err error) Action

type Operation[T any] func(ctx context.Context) (T, error)

// Do runs op until it succeeds or classify reports Stop, at most
// p.MaxAttempts times. A Stop error comes back wrapped in *PermanentError and
// running out of attempts in *ExhaustedError; both unwrap to the last error.
// A policy with a single attempt returns a transient error unwrapped.
func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	var zero T
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	backoff := p.InitialBackoff

	for attempt := 1; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}

		action := classify(err)
		if action == Stop {
			return zero, &PermanentError{Err: err}
		}
		if attempt >= p.MaxAttempts {
			if attempt == 1 {
				return zero, err
			}
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := backoff
		if action == After {
			wait = p.RateLimitBackoff
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		select {
		case <-clock.After(wait):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry aborted after attempt %d: %w", attempt, context.Cause(ctx))
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

func DoVoid(ctx context.Context, p Policy, classify Classify, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, classify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
