package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/airenas/go-app/pkg/goapp"
	"golang.org/x/sync/errgroup"
)

// AudioPart is a split audio piece
type AudioPart struct {
	Audio    Audio
	Offset   float64
	Duration float64
}

// Splitter cuts audio into parts of about partSec seconds
type Splitter interface {
	Split(ctx context.Context, audio *Audio, partSec int) ([]AudioPart, error)
}

// Chunked splits large audio, transcribes parts concurrently and merges them
type Chunked struct {
	real        Transcriber
	splitter    Splitter
	threshold   int64
	partSec     int
	concurrency int
}

// NewChunked creates chunking transcriber. Audio larger than threshold bytes is split
func NewChunked(real Transcriber, splitter Splitter, threshold int64, partSec, concurrency int) (*Chunked, error) {
	if real == nil {
		return nil, fmt.Errorf("no transcriber")
	}
	if splitter == nil {
		return nil, fmt.Errorf("no splitter")
	}
	if threshold <= 0 || partSec <= 0 {
		return nil, fmt.Errorf("wrong threshold %d or part size %d", threshold, partSec)
	}
	return &Chunked{real: real, splitter: splitter, threshold: threshold, partSec: partSec,
		concurrency: max(concurrency, 1)}, nil
}

// Transcribe transcribes audio
func (c *Chunked) Transcribe(ctx context.Context, audio *Audio, opts Options) (*Result, error) {
	if int64(len(audio.Bytes)) <= c.threshold {
		return c.real.Transcribe(ctx, audio, opts)
	}
	parts, err := c.splitter.Split(ctx, audio, c.partSec)
	if err != nil {
		return nil, fmt.Errorf("can't split audio: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no audio parts")
	}
	goapp.Log.Info().Int("parts", len(parts)).Int64("size", int64(len(audio.Bytes))).Msg("chunked transcription")
	report(opts, Progress{TotalChunks: len(parts)})

	chunks := make([]Chunk, len(parts))
	var mu sync.Mutex
	done := 0
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range parts {
		p := &parts[i]
		g.Go(func() error {
			res, err := c.real.Transcribe(gCtx, &p.Audio, Options{Language: opts.Language})
			if err != nil {
				return fmt.Errorf("part %d: %w", i, err)
			}
			mu.Lock()
			defer mu.Unlock()
			chunks[i] = Chunk{Offset: p.Offset, Duration: p.Duration, Result: res}
			done++
			report(opts, Progress{Fraction: float64(done) / float64(len(parts)), TotalChunks: len(parts),
				CompletedChunks: done})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := Merge(chunks)
	if err := Validate(res); err != nil {
		return nil, err
	}
	return res, nil
}
