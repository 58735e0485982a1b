// Package gemini transcribes audio with Gemini models
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/stt"
	"google.golang.org/genai"
)

const name = "gemini"

const prompt = `Transcribe the audio verbatim. Split the transcript into segments of one or two sentences.
For every segment return its text, start time and duration in seconds from the audio start.
Also return the detected language as an ISO 639-1 code.`

// api is the used part of genai client
type api interface {
	generate(ctx context.Context, model string, parts []*genai.Part) (string, error)
	upload(ctx context.Context, data []byte, mimeType string) (*genai.File, error)
	getFile(ctx context.Context, name string) (*genai.File, error)
	deleteFile(ctx context.Context, name string) error
}

// Options for the provider
type Options struct {
	APIKey string
	// InlineThreshold - payloads of this size or larger are uploaded first
	InlineThreshold int64
	PollInterval    time.Duration
	PollTimeout     time.Duration
	MaxBytes        int64
}

// DefaultOptions returns 15MB inline threshold, 2s poll interval
func DefaultOptions() Options {
	return Options{InlineThreshold: 15 << 20, PollInterval: 2 * time.Second, PollTimeout: 5 * time.Minute,
		MaxBytes: 2 << 30}
}

// Provider is gemini speech to text
type Provider struct {
	api  api
	opts Options
}

// New creates gemini provider
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("no api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: opts.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("can't init genai client: %w", err)
	}
	return newProvider(&genaiAPI{client: c}, opts)
}

func newProvider(a api, opts Options) (*Provider, error) {
	if opts.InlineThreshold <= 0 {
		return nil, fmt.Errorf("wrong inline threshold %d", opts.InlineThreshold)
	}
	if opts.PollInterval <= 0 {
		return nil, fmt.Errorf("wrong poll interval %v", opts.PollInterval)
	}
	goapp.Log.Info().Int64("inlineThreshold", opts.InlineThreshold).Dur("poll", opts.PollInterval).Msg("gemini")
	return &Provider{api: a, opts: opts}, nil
}

// Name returns provider name
func (p *Provider) Name() string {
	return name
}

// MaxBytes returns payload limit
func (p *Provider) MaxBytes() int64 {
	return p.opts.MaxBytes
}

// Transcribe calls the model with inline audio or with a staged file reference
func (p *Provider) Transcribe(ctx context.Context, model string, audio *stt.Audio, opts stt.Options) (*stt.Result, error) {
	tm := goapp.Estimate("gemini " + model)
	defer tm()

	var audioPart *genai.Part
	if int64(len(audio.Bytes)) < p.opts.InlineThreshold {
		audioPart = genai.NewPartFromBytes(audio.Bytes, audio.ContentType)
	} else {
		f, err := p.stage(ctx, audio)
		if f != nil {
			defer p.cleanup(f.Name)
		}
		if err != nil {
			return nil, err
		}
		audioPart = genai.NewPartFromURI(f.URI, f.MIMEType)
	}
	text := prompt
	if opts.Language != "" {
		text += "\nThe expected language is " + opts.Language + "."
	}
	out, err := p.api.generate(ctx, model, []*genai.Part{genai.NewPartFromText(text), audioPart})
	if err != nil {
		return nil, classify(err)
	}
	return parse(out)
}

// stage uploads audio and waits until the file is active
func (p *Provider) stage(ctx context.Context, audio *stt.Audio) (*genai.File, error) {
	goapp.Log.Info().Int("size", len(audio.Bytes)).Msg("staged upload")
	f, err := p.api.upload(ctx, audio.Bytes, audio.ContentType)
	if err != nil {
		return nil, classify(fmt.Errorf("can't upload: %w", err))
	}
	ctx, cf := context.WithTimeout(ctx, p.opts.PollTimeout)
	defer cf()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		switch f.State {
		case genai.FileStateActive:
			goapp.Log.Info().Str("file", f.Name).Msg("staged file ready")
			return f, nil
		case genai.FileStateFailed:
			return f, stt.NewProviderError(name, fmt.Errorf("staged file %s failed", f.Name), true)
		}
		select {
		case <-ctx.Done():
			return f, stt.NewProviderError(name, fmt.Errorf("staged file %s not ready: %w", f.Name, ctx.Err()), true)
		case <-ticker.C:
		}
		nf, err := p.api.getFile(ctx, f.Name)
		if err != nil {
			return f, classify(fmt.Errorf("can't get file state: %w", err))
		}
		f = nf
	}
}

func (p *Provider) cleanup(fileName string) {
	ctx, cf := context.WithTimeout(context.Background(), 10*time.Second)
	defer cf()
	if err := p.api.deleteFile(ctx, fileName); err != nil {
		goapp.Log.Warn().Err(err).Str("file", fileName).Msg("can't delete staged file")
	}
}

type output struct {
	Language string                `json:"language"`
	Segments []persistence.Segment `json:"segments"`
}

func parse(s string) (*stt.Result, error) {
	var o output
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil, stt.NewProviderError(name, fmt.Errorf("%w: %w", stt.ErrInvalidOutput, err), false)
	}
	res := &stt.Result{Segments: o.Segments, Language: o.Language}
	res.Duration = stt.EndTime(res)
	return res, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ae genai.APIError
	if errors.As(err, &ae) {
		return stt.NewProviderError(name, err, stt.RetryableStatus(ae.Code))
	}
	return stt.NewProviderError(name, err, goapp.IsRetryableErr(err) || errors.Is(err, context.DeadlineExceeded))
}

func responseSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"language": {Type: genai.TypeString},
			"segments": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"text":     {Type: genai.TypeString},
						"start":    {Type: genai.TypeNumber},
						"duration": {Type: genai.TypeNumber},
					},
					Required: []string{"text", "start", "duration"},
				},
			},
		},
		Required: []string{"segments"},
	}
}

type genaiAPI struct {
	client *genai.Client
}

func (g *genaiAPI) generate(ctx context.Context, model string, parts []*genai.Part) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json", ResponseSchema: responseSchema()})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (g *genaiAPI) upload(ctx context.Context, data []byte, mimeType string) (*genai.File, error) {
	return g.client.Files.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{MIMEType: mimeType})
}

func (g *genaiAPI) getFile(ctx context.Context, name string) (*genai.File, error) {
	return g.client.Files.Get(ctx, name, nil)
}

func (g *genaiAPI) deleteFile(ctx context.Context, name string) error {
	_, err := g.client.Files.Delete(ctx, name, nil)
	return err
}
