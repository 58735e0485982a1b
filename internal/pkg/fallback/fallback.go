// Package fallback runs an operation over ordered candidates,
// retrying transient errors on a candidate before moving to the next one.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrAllFailed is returned when every candidate fails
	ErrAllFailed = errors.New("all candidates failed")
	// ErrSkip may be returned by the operation to move to the next candidate without an attempt
	ErrSkip = errors.New("skip candidate")
)

// Candidate is a named value the operation runs with
type Candidate[P any] struct {
	Name  string
	Value P
}

// Options configure Do
type Options struct {
	// Attempts per candidate, at least 1
	Attempts int
	// Backoff creates a new wait policy for each candidate, nil - no wait
	Backoff func() backoff.BackOff
	// IsRetryable decides if the same candidate may be retried, nil - never
	IsRetryable func(error) bool
	// OnAttempt is called after every attempt
	OnAttempt func(name string, attempt int, err error)
}

// ExponentialBackoff returns backoff factory starting with initial wait
func ExponentialBackoff(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		res := backoff.NewExponentialBackOff()
		res.InitialInterval = initial
		res.MaxInterval = max
		res.MaxElapsedTime = 0
		return res
	}
}

// Do runs fn with candidates in order and returns the first success
func Do[P any, R any](ctx context.Context, candidates []Candidate[P], opts Options,
	fn func(context.Context, P) (R, error)) (R, error) {
	var zero R
	if len(candidates) == 0 {
		return zero, fmt.Errorf("no candidates: %w", ErrAllFailed)
	}
	attempts := max(opts.Attempts, 1)
	var lastErr error
	for _, c := range candidates {
		var b backoff.BackOff = &backoff.ZeroBackOff{}
		if opts.Backoff != nil {
			b = opts.Backoff()
		}
		b.Reset()
		for i := 1; i <= attempts; i++ {
			res, err := fn(ctx, c.Value)
			if errors.Is(err, ErrSkip) {
				goapp.Log.Debug().Str("candidate", c.Name).Msg("skip")
				break
			}
			if opts.OnAttempt != nil {
				opts.OnAttempt(c.Name, i, err)
			}
			if err == nil {
				return res, nil
			}
			lastErr = err
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, fmt.Errorf("%w: %w", ctxErr, err)
			}
			if opts.IsRetryable == nil || !opts.IsRetryable(err) {
				goapp.Log.Warn().Err(err).Str("candidate", c.Name).Msg("non retryable, trying next")
				break
			}
			if i == attempts {
				goapp.Log.Warn().Err(err).Str("candidate", c.Name).Int("attempts", i).Msg("attempts exhausted")
				break
			}
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				break
			}
			goapp.Log.Info().Err(err).Str("candidate", c.Name).Int("attempt", i).Dur("wait", wait).Msg("retry")
			if err := sleep(ctx, wait); err != nil {
				return zero, fmt.Errorf("%w: %w", err, lastErr)
			}
		}
	}
	if lastErr == nil {
		return zero, fmt.Errorf("all candidates skipped: %w", ErrAllFailed)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
