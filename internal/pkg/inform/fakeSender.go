package inform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jordan-wright/email"
	"github.com/spf13/viper"
)

// HTTPEmailSender posts emails as json to an URL instead of sending them.
// Used for test environments
type HTTPEmailSender struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewFakeEmailSender initiates email sender from smtp.fakeUrl
func NewFakeEmailSender(c *viper.Viper) (*HTTPEmailSender, error) {
	url := c.GetString("smtp.fakeUrl")
	if url == "" {
		return nil, fmt.Errorf("no URL")
	}
	goapp.Log.Info().Str("URL", url).Msgf("Fake sender")
	return &HTTPEmailSender{url: url, client: &http.Client{}, timeout: 5 * time.Second}, nil
}

// Send posts email
func (s *HTTPEmailSender) Send(email *email.Email) error {
	body, err := json.Marshal(email)
	if err != nil {
		return err
	}
	ctx, cancelF := context.WithTimeout(context.Background(), s.timeout)
	defer cancelF()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	goapp.Log.Info().Str("url", req.URL.String()).Str("method", req.Method).Msg("call")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
		_ = resp.Body.Close()
	}()
	if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
		return fmt.Errorf("can't invoke '%s': %w", req.URL.String(), err)
	}
	return nil
}
