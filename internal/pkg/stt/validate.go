package stt

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidOutput is returned for malformed provider output
var ErrInvalidOutput = errors.New("invalid transcription output")

// Validate checks provider output. Any malformed segment fails the whole result
func Validate(r *Result) error {
	if r == nil {
		return fmt.Errorf("%w: no result", ErrInvalidOutput)
	}
	if len(r.Segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrInvalidOutput)
	}
	for i, s := range r.Segments {
		if strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("%w: empty text in segment %d", ErrInvalidOutput, i)
		}
		if bad(s.Start) || bad(s.Duration) {
			return fmt.Errorf("%w: wrong time in segment %d (%f, %f)", ErrInvalidOutput, i, s.Start, s.Duration)
		}
	}
	if bad(r.Duration) {
		return fmt.Errorf("%w: wrong duration %f", ErrInvalidOutput, r.Duration)
	}
	return nil
}

func bad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < 0
}

// EndTime returns the max segment end
func EndTime(r *Result) float64 {
	res := 0.0
	for _, s := range r.Segments {
		res = max(res, s.Start+s.Duration)
	}
	return res
}
