package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/airenas/scribe/internal/pkg/status"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Options configures client
type Options struct {
	SubmitURL string
	StatusURL string
	ResultURL string
	UserID    string
	Timeout   time.Duration
}

// Client communicates with scribe services
type Client struct {
	httpclient  *http.Client
	submitURL   string
	statusURL   string
	statusWSURL string
	resultURL   string
	userID      string
	timeout     time.Duration
	backoff     func() backoff.BackOff
}

// Error is a non 2xx service response
type Error struct {
	StatusCode int
	Result     *api.ErrorResult
	Body       string
}

func (e *Error) Error() string {
	if e.Result != nil && e.Result.Code != "" {
		return fmt.Sprintf("status %d: %s %s", e.StatusCode, e.Result.Code, e.Result.Message)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// FileData is a downloaded file
type FileData struct {
	Name    string
	Content []byte
}

// NewClient creates a scribe client
func NewClient(opt Options) (*Client, error) {
	if opt.SubmitURL == "" {
		return nil, fmt.Errorf("no submit URL")
	}
	if opt.StatusURL == "" {
		return nil, fmt.Errorf("no status URL")
	}
	if !strings.HasPrefix(opt.StatusURL, "http") {
		return nil, fmt.Errorf("no http in status URL")
	}
	if opt.UserID == "" {
		return nil, fmt.Errorf("no user")
	}
	res := &Client{submitURL: opt.SubmitURL, statusURL: opt.StatusURL, resultURL: opt.ResultURL, userID: opt.UserID,
		statusWSURL: strings.Replace(opt.StatusURL, "http", "ws", 1), timeout: opt.Timeout,
		httpclient: newHTTPClient(), backoff: newSimpleBackoff}
	if res.timeout <= 0 {
		res.timeout = 30 * time.Second
	}
	return res, nil
}

// Submit creates a job. The call is not retried on response errors
func (sp *Client) Submit(ctx context.Context, in *api.SubmitRequest) (*api.SubmitResult, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("can't marshal: %w", err)
	}
	return invoke[api.SubmitResult](ctx, sp, http.MethodPost, sp.submitURL+"/jobs", b, &backoff.StopBackOff{})
}

// GetStatus returns job status
func (sp *Client) GetStatus(ctx context.Context, ID string) (*api.StatusResult, error) {
	return invoke[api.StatusResult](ctx, sp, http.MethodGet, sp.statusURL+"/status/"+url.PathEscape(ID), nil, sp.backoff())
}

// Cancel cancels the job
func (sp *Client) Cancel(ctx context.Context, ID string) (*api.CancelResult, error) {
	return invoke[api.CancelResult](ctx, sp, http.MethodPost, sp.submitURL+"/jobs/"+url.PathEscape(ID)+"/cancel", nil,
		sp.backoff())
}

// Usage returns user's balance
func (sp *Client) Usage(ctx context.Context) (*api.UsageResult, error) {
	return invoke[api.UsageResult](ctx, sp, http.MethodGet, sp.submitURL+"/usage", nil, sp.backoff())
}

// Wait polls status every interval until the job is terminal. onStatus is called for every received status
func (sp *Client) Wait(ctx context.Context, ID string, interval time.Duration, onStatus func(*api.StatusResult)) (*api.StatusResult, error) {
	for {
		st, err := sp.GetStatus(ctx, ID)
		if err != nil {
			return nil, err
		}
		if onStatus != nil {
			onStatus(st)
		}
		if status.From(st.Status).Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// GetResult downloads transcript in the format
func (sp *Client) GetResult(ctx context.Context, ID, format string) (*FileData, error) {
	if sp.resultURL == "" {
		return nil, fmt.Errorf("no result URL")
	}
	u := sp.resultURL + "/result/" + url.PathEscape(ID)
	if format != "" {
		u += "?format=" + url.QueryEscape(format)
	}
	return sp.getFile(ctx, u)
}

// GetAudio downloads retained audio
func (sp *Client) GetAudio(ctx context.Context, ID string) (*FileData, error) {
	if sp.resultURL == "" {
		return nil, fmt.Errorf("no result URL")
	}
	return sp.getFile(ctx, sp.resultURL+"/audio/"+url.PathEscape(ID))
}

func (sp *Client) getFile(ctx context.Context, urlStr string) (*FileData, error) {
	goapp.Log.Debug().Str("url", urlStr).Msg("get file")
	return goapp.InvokeWithBackoff(ctx, func() (*FileData, bool, error) {
		resp, retry, err := sp.do(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, retry, err
		}
		defer closeBody(resp)
		br, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, goapp.IsRetryableErr(err), fmt.Errorf("can't read body: %w", err)
		}
		name, err := parseName(resp.Header.Get("content-disposition"))
		if err != nil {
			return nil, false, fmt.Errorf("can't read name: %w", err)
		}
		return &FileData{Name: name, Content: br}, false, nil
	}, sp.backoff())
}

func invoke[T any](ctx context.Context, sp *Client, method, urlStr string, body []byte, bo backoff.BackOff) (*T, error) {
	return goapp.InvokeWithBackoff(ctx, func() (*T, bool, error) {
		resp, retry, err := sp.do(ctx, method, urlStr, body)
		if err != nil {
			return nil, retry, err
		}
		defer closeBody(resp)
		var res T
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, goapp.IsRetryableErr(err), fmt.Errorf("can't decode: %w", err)
		}
		return &res, false, nil
	}, bo)
}

// do returns response with 2xx code, caller closes it
func (sp *Client) do(ctx context.Context, method, urlStr string, body []byte) (*http.Response, bool, error) {
	ctx, cancelF := context.WithTimeout(ctx, sp.timeout)
	var br io.Reader
	if body != nil {
		br = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, br)
	if err != nil {
		cancelF()
		return nil, false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.UserIDHeader, sp.userID)
	goapp.Log.Debug().Str("url", req.URL.String()).Str("method", req.Method).Msg("call")
	resp, err := sp.httpclient.Do(req)
	if err != nil {
		cancelF()
		return nil, goapp.IsRetryableErr(err), fmt.Errorf("can't call: %w", err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cf: cancelF}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer closeBody(resp)
		return nil, goapp.IsRetryableCode(resp.StatusCode), toError(resp)
	}
	return resp, false, nil
}

func toError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 10000))
	res := &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	var er api.ErrorResult
	if err := json.Unmarshal(b, &er); err == nil && er.Code != "" {
		res.Result = &er
	}
	return res
}

// IsInsufficientCredits returns error's balance details if the job was rejected for insufficient credits
func IsInsufficientCredits(err error) (*api.Balance, bool) {
	var e *Error
	if errors.As(err, &e) && e.Result != nil && e.Result.Code == api.ErrInsufficientCredits {
		return e.Result.Balance, true
	}
	return nil, false
}

type cancelOnClose struct {
	io.ReadCloser
	cf context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cf()
	return c.ReadCloser.Close()
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
	_ = resp.Body.Close()
}

func parseName(s string) (string, error) {
	_, params, err := mime.ParseMediaType(s)
	if err != nil {
		return "", fmt.Errorf("can't parse header: %w", err)
	}
	return params["filename"], nil
}

// HookToStatus subscribes to status pushes of the job. Returned func closes the connection
func (sp *Client) HookToStatus(ctx context.Context, ID string) (<-chan api.StatusResult, func(), error) {
	goapp.Log.Info().Str("url", sp.statusWSURL).Str("ID", ID).Msg("connect")
	h := http.Header{}
	h.Set(api.UserIDHeader, sp.userID)
	c, err := goapp.InvokeWithBackoff(ctx, func() (*websocket.Conn, bool, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, sp.statusWSURL+"/subscribe", h)
		return c, goapp.IsRetryableErr(err), err
	}, sp.backoff())
	if err != nil {
		return nil, nil, fmt.Errorf("can't dial to status URL: %w", err)
	}
	closeCtx, cf := context.WithCancel(ctx)
	writerDone := make(chan struct{}, 1)
	closeF := func() {
		cf()
		select {
		case <-writerDone:
		case <-time.After(time.Second * 5):
		}
		if err := c.Close(); err != nil {
			goapp.Log.Debug().Err(err).Msg("socket close")
		}
	}
	res := make(chan api.StatusResult, 2)
	go func() {
		defer close(res)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				goapp.Log.Debug().Err(err).Msg("socket read")
				return
			}
			var st api.StatusResult
			if err := json.Unmarshal(message, &st); err != nil {
				goapp.Log.Error().Err(err).Msg("can't unmarshal status data")
				return
			}
			select {
			case res <- st:
			case <-closeCtx.Done():
				return
			}
		}
	}()
	go func() {
		defer func() { writerDone <- struct{}{} }()
		if err := c.WriteMessage(websocket.TextMessage, []byte(ID)); err != nil {
			goapp.Log.Error().Err(err).Msg("socket write")
			return
		}
		<-closeCtx.Done()
		if err := c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
			goapp.Log.Debug().Err(err).Msg("socket write close")
		}
	}()
	return res, closeF, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Transport: newTransport()}
}

func newTransport() http.RoundTripper {
	res := http.DefaultTransport.(*http.Transport).Clone()
	res.MaxConnsPerHost = 20
	res.MaxIdleConns = 10
	res.MaxIdleConnsPerHost = 10
	res.IdleConnTimeout = 90 * time.Second
	return res
}

func newSimpleBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
}
