// Package stt turns audio into timestamped transcript segments
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/persistence"
)

// Audio is an audio payload
type Audio struct {
	Bytes       []byte
	ContentType string
}

// Progress is a sub-progress report
type Progress struct {
	// Fraction is done part in [0, 1]
	Fraction        float64
	TotalChunks     int
	CompletedChunks int
}

// Options for a transcription call
type Options struct {
	Language   string
	OnProgress func(Progress)
}

// Result is a transcription
type Result struct {
	Segments []persistence.Segment
	Language string
	// Duration in seconds
	Duration float64
}

// Transcriber transcribes audio
type Transcriber interface {
	Transcribe(ctx context.Context, audio *Audio, opts Options) (*Result, error)
}

// Provider calls one speech to text service
type Provider interface {
	Name() string
	// MaxBytes is the max payload size, 0 - unlimited
	MaxBytes() int64
	Transcribe(ctx context.Context, model string, audio *Audio, opts Options) (*Result, error)
}

// ProviderError is a classified provider failure
type ProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps provider error
func NewProviderError(provider string, err error, retryable bool) error {
	return &ProviderError{Provider: provider, Err: err, Retryable: retryable}
}

// IsRetryable is true for throttling, overload, 5xx and network errors
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *ProviderError
	if errors.As(err, &e) {
		return e.Retryable
	}
	return goapp.IsRetryableErr(err)
}

// RetryableStatus classifies http status code
func RetryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

func report(opts Options, p Progress) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}
