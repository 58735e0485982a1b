package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
)

// Extractor resolves video audio
type Extractor interface {
	ResolveAudioURL(ctx context.Context, videoID string) (*Resolved, error)
	ExtractAudio(ctx context.Context, videoID string) (*Audio, error)
}

// Resolved is a downloadable audio location
type Resolved struct {
	URL      string
	Filename string
}

// Audio is downloaded audio
type Audio struct {
	Bytes       []byte
	ContentType string
	Size        int64
	Filename    string
}

// Options for the client
type Options struct {
	// VideoURLTemplate with one %s for video ID
	VideoURLTemplate string
	AudioFormat      string
	APIKey           string
	MaxBytes         int64
	Timeout          time.Duration
	DownloadTimeout  time.Duration
}

// DefaultOptions returns youtube link template, mp3 audio, 200MB limit
func DefaultOptions() Options {
	return Options{VideoURLTemplate: "https://www.youtube.com/watch?v=%s", AudioFormat: "mp3",
		MaxBytes: 200 << 20, Timeout: time.Second * 50, DownloadTimeout: time.Minute * 10}
}

// Client communicates with extraction service
type Client struct {
	httpclient *http.Client
	apiURL     string
	opts       Options
}

// NewClient creates extraction service client
func NewClient(apiURL string, opts Options) (*Client, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("no apiURL")
	}
	if !strings.Contains(opts.VideoURLTemplate, "%s") {
		return nil, fmt.Errorf("wrong video URL template '%s'", opts.VideoURLTemplate)
	}
	if opts.MaxBytes <= 0 {
		return nil, fmt.Errorf("wrong max bytes %d", opts.MaxBytes)
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = "mp3"
	}
	goapp.Log.Info().Str("url", apiURL).Str("format", opts.AudioFormat).Int64("maxBytes", opts.MaxBytes).Msg("extractor")
	return &Client{httpclient: &http.Client{Transport: newTransport()}, apiURL: apiURL, opts: opts}, nil
}

type request struct {
	URL          string `json:"url"`
	DownloadMode string `json:"downloadMode"`
	AudioFormat  string `json:"audioFormat"`
}

type pickerItem struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type response struct {
	Status   string       `json:"status"`
	URL      string       `json:"url"`
	Filename string       `json:"filename"`
	Picker   []pickerItem `json:"picker"`
	Error    *struct {
		Code string `json:"code"`
	} `json:"error"`
}

// ResolveAudioURL asks the service for the audio location
func (c *Client) ResolveAudioURL(ctx context.Context, videoID string) (*Resolved, error) {
	if videoID == "" {
		return nil, NewError(CodeLinkInvalid, fmt.Errorf("no video ID"))
	}
	body, err := json.Marshal(request{URL: fmt.Sprintf(c.opts.VideoURLTemplate, videoID), DownloadMode: "audio",
		AudioFormat: c.opts.AudioFormat})
	if err != nil {
		return nil, fmt.Errorf("can't marshal: %w", err)
	}
	ctx, cancelF := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancelF()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Api-Key "+c.opts.APIKey)
	}
	goapp.Log.Info().Str("url", req.URL.String()).Str("videoID", videoID).Msg("call")
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, callErr(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
		_ = resp.Body.Close()
	}()
	br, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, callErr(err)
	}
	var data response
	if err := json.Unmarshal(br, &data); err != nil || data.Status == "" {
		if errV := goapp.ValidateHTTPResp(resp, 100); errV != nil {
			return nil, statusErr(resp.StatusCode, errV)
		}
		return nil, NewError(CodeUnknownResponse, fmt.Errorf("can't decode response: %s", goapp.Sanitize(string(br))))
	}
	return parse(&data)
}

func parse(data *response) (*Resolved, error) {
	switch data.Status {
	case "tunnel", "redirect", "stream":
		if data.URL == "" {
			return nil, NewError(CodeUnknownResponse, fmt.Errorf("no url in %s response", data.Status))
		}
		return &Resolved{URL: data.URL, Filename: data.Filename}, nil
	case "picker":
		for _, p := range data.Picker {
			if p.Type == "audio" && p.URL != "" {
				return &Resolved{URL: p.URL, Filename: data.Filename}, nil
			}
		}
		return nil, NewError(CodeNoAudio, fmt.Errorf("no audio in picker of %d items", len(data.Picker)))
	case "error":
		code := ""
		if data.Error != nil {
			code = data.Error.Code
		}
		return nil, NewError(code, nil)
	}
	return nil, NewError(CodeUnknownResponse, fmt.Errorf("status '%s'", data.Status))
}

// ExtractAudio resolves and downloads the audio
func (c *Client) ExtractAudio(ctx context.Context, videoID string) (*Audio, error) {
	r, err := c.ResolveAudioURL(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, r)
}

func (c *Client) download(ctx context.Context, r *Resolved) (*Audio, error) {
	ctx, cancelF := context.WithTimeout(ctx, c.opts.DownloadTimeout)
	defer cancelF()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, NewError(CodeUnknownResponse, err)
	}
	goapp.Log.Info().Str("file", r.Filename).Msg("download")
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, NewError(CodeFetchFail, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
		_ = resp.Body.Close()
	}()
	if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
		if goapp.IsRetryableCode(resp.StatusCode) {
			return nil, NewError(CodeFetchFail, err)
		}
		return nil, NewError(CodeUnavailable, err)
	}
	if resp.ContentLength > c.opts.MaxBytes {
		return nil, NewError(CodeTooLarge, fmt.Errorf("size %d > %d", resp.ContentLength, c.opts.MaxBytes))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBytes+1))
	if err != nil {
		return nil, NewError(CodeFetchFail, err)
	}
	if int64(len(b)) > c.opts.MaxBytes {
		return nil, NewError(CodeTooLarge, fmt.Errorf("size > %d", c.opts.MaxBytes))
	}
	if len(b) == 0 {
		return nil, NewError(CodeFetchEmpty, fmt.Errorf("empty body"))
	}
	res := &Audio{Bytes: b, Size: int64(len(b)), Filename: r.Filename}
	res.ContentType = contentType(resp.Header.Get("Content-Type"))
	goapp.Log.Info().Int64("size", res.Size).Str("contentType", res.ContentType).Msg("downloaded")
	return res, nil
}

// contentType returns audio mime type, audio/mpeg if header is not audio
func contentType(header string) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "audio/") {
		return mt
	}
	return "audio/mpeg"
}

func callErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if goapp.IsRetryableErr(err) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeServiceDown, err)
	}
	return NewError(CodeUnknown, err)
}

func statusErr(code int, err error) error {
	if goapp.IsRetryableCode(code) {
		return NewError(CodeServiceDown, err)
	}
	return NewError(CodeUnknown, err)
}

func newTransport() http.RoundTripper {
	res := http.DefaultTransport.(*http.Transport).Clone()
	res.MaxConnsPerHost = 100
	res.MaxIdleConns = 50
	res.MaxIdleConnsPerHost = 50
	res.IdleConnTimeout = 90 * time.Second
	return res
}
