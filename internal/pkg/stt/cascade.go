package stt

import (
	"context"
	"fmt"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/fallback"
	"github.com/cenkalti/backoff/v4"
)

// Candidate is a provider model pair
type Candidate struct {
	Provider Provider
	Model    string
}

// Name returns provider/model
func (c Candidate) Name() string {
	return c.Provider.Name() + "/" + c.Model
}

// AttemptObserver gets every provider call outcome
type AttemptObserver func(candidate string, attempt int, err error)

// Cascade tries candidates in order, retrying transient errors on each
type Cascade struct {
	candidates []fallback.Candidate[Candidate]
	attempts   int
	backoff    func() backoff.BackOff
	observer   AttemptObserver
}

// NewCascade creates cascade
func NewCascade(candidates []Candidate, attempts int, b func() backoff.BackOff) (*Cascade, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates")
	}
	if attempts < 1 {
		return nil, fmt.Errorf("wrong attempts %d", attempts)
	}
	res := &Cascade{attempts: attempts, backoff: b}
	for _, c := range candidates {
		if c.Provider == nil || c.Model == "" {
			return nil, fmt.Errorf("wrong candidate")
		}
		res.candidates = append(res.candidates, fallback.Candidate[Candidate]{Name: c.Name(), Value: c})
		goapp.Log.Info().Str("candidate", c.Name()).Msg("stt cascade")
	}
	return res, nil
}

// WithObserver sets attempt observer
func (c *Cascade) WithObserver(o AttemptObserver) *Cascade {
	c.observer = o
	return c
}

// Transcribe runs the cascade. Output failing validation moves to the next candidate
func (c *Cascade) Transcribe(ctx context.Context, audio *Audio, opts Options) (*Result, error) {
	size := int64(len(audio.Bytes))
	return fallback.Do(ctx, c.candidates, fallback.Options{Attempts: c.attempts, Backoff: c.backoff,
		IsRetryable: IsRetryable, OnAttempt: c.observer},
		func(ctx context.Context, cd Candidate) (*Result, error) {
			if m := cd.Provider.MaxBytes(); m > 0 && size > m {
				goapp.Log.Info().Str("candidate", cd.Name()).Int64("size", size).Int64("max", m).Msg("payload too large")
				return nil, fallback.ErrSkip
			}
			res, err := cd.Provider.Transcribe(ctx, cd.Model, audio, opts)
			if err != nil {
				return nil, err
			}
			if err := Validate(res); err != nil {
				return nil, NewProviderError(cd.Name(), err, false)
			}
			if res.Duration == 0 {
				res.Duration = EndTime(res)
			}
			return res, nil
		})
}
