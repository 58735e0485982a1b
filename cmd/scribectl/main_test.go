package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initServer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(api.UserIDHeader) != "u1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"jobId":"j1","estimatedMinutes":2}`))
	})
	mux.HandleFunc("/status/j1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"j1","status":"completed","progress":100}`))
	})
	mux.HandleFunc("/usage", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"NOT_ENTITLED"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmit(t *testing.T) {
	url := initServer(t)
	out, err := run(t, "submit", "dQw4w9WgXcQ", "-d", "100", "-u", "u1", "--submit-url", url, "--status-url", url)
	require.Nil(t, err)
	assert.JSONEq(t, `{"jobId":"j1","estimatedMinutes":2}`, out)
}

func TestSubmit_Wait(t *testing.T) {
	url := initServer(t)
	out, err := run(t, "submit", "dQw4w9WgXcQ", "-d", "100", "-w", "-u", "u1", "--submit-url", url, "--status-url", url)
	require.Nil(t, err)
	assert.JSONEq(t, `{"id":"j1","status":"completed","progress":100}`, out)
}

func TestSubmit_NoDuration(t *testing.T) {
	url := initServer(t)
	_, err := run(t, "submit", "dQw4w9WgXcQ", "-u", "u1", "--submit-url", url, "--status-url", url)
	assert.NotNil(t, err)
}

func TestStatus(t *testing.T) {
	url := initServer(t)
	out, err := run(t, "status", "j1", "-u", "u1", "--submit-url", url, "--status-url", url)
	require.Nil(t, err)
	assert.Contains(t, out, `"completed"`)
}

func TestUsage_Fail(t *testing.T) {
	url := initServer(t)
	_, err := run(t, "usage", "-u", "u1", "--submit-url", url, "--status-url", url)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "NOT_ENTITLED")
}

func TestNoUser(t *testing.T) {
	t.Setenv("SCRIBE_USER", "")
	url := initServer(t)
	_, err := run(t, "status", "j1", "--submit-url", url, "--status-url", url)
	assert.NotNil(t, err)
}
