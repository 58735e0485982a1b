// Package whisper transcribes audio with OpenAI compatible transcription API
package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/stt"
	"github.com/airenas/scribe/internal/pkg/utils"
	"github.com/sashabaranov/go-openai"
)

const (
	name = "whisper"
	// MaxBytes is the API upload limit
	MaxBytes = 25 << 20
)

// Provider calls whisper transcription
type Provider struct {
	client *openai.Client
}

// New creates whisper provider. Empty baseURL uses OpenAI API
func New(apiKey, baseURL string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("no api key")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	goapp.Log.Info().Str("url", cfg.BaseURL).Msg("whisper")
	return &Provider{client: openai.NewClientWithConfig(cfg)}, nil
}

// Name returns provider name
func (p *Provider) Name() string {
	return name
}

// MaxBytes returns payload limit
func (p *Provider) MaxBytes() int64 {
	return MaxBytes
}

// Transcribe calls verbose_json transcription
func (p *Provider) Transcribe(ctx context.Context, model string, audio *stt.Audio, opts stt.Options) (*stt.Result, error) {
	tm := goapp.Estimate("whisper " + model)
	defer tm()

	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		Reader:   bytes.NewReader(audio.Bytes),
		FilePath: "audio" + utils.ExtFromContentType(audio.ContentType),
		Language: opts.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, classify(err)
	}
	res := &stt.Result{Language: toCode(resp.Language), Duration: resp.Duration}
	for _, s := range resp.Segments {
		t := strings.TrimSpace(s.Text)
		if t == "" {
			continue
		}
		res.Segments = append(res.Segments, persistence.Segment{Text: t, Start: s.Start, Duration: s.End - s.Start})
	}
	return res, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ae *openai.APIError
	if errors.As(err, &ae) {
		return stt.NewProviderError(name, err, stt.RetryableStatus(ae.HTTPStatusCode))
	}
	var re *openai.RequestError
	if errors.As(err, &re) {
		return stt.NewProviderError(name, err, stt.RetryableStatus(re.HTTPStatusCode))
	}
	return stt.NewProviderError(name, err, goapp.IsRetryableErr(err) || errors.Is(err, context.DeadlineExceeded))
}

var langCodes = map[string]string{"english": "en", "lithuanian": "lt", "german": "de", "french": "fr",
	"spanish": "es", "russian": "ru", "polish": "pl", "italian": "it", "portuguese": "pt", "ukrainian": "uk",
	"chinese": "zh", "japanese": "ja"}

// toCode maps whisper language names to ISO 639-1
func toCode(l string) string {
	if c, ok := langCodes[strings.ToLower(l)]; ok {
		return c
	}
	return l
}
