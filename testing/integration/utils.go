//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

func waitForOpenOrFail(ctx context.Context, URL string) {
	u, err := url.Parse(URL)
	if err != nil {
		log.Fatalf("FAIL: can't parse %s", URL)
	}
	for {
		if err = dial(net.JoinHostPort(u.Hostname(), u.Port())); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			log.Fatalf("FAIL: can't access %s", URL)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func getEnvOrFail(s string) string {
	res := os.Getenv(s)
	if res == "" {
		log.Fatalf("no env '%s'", s)
	}
	return res
}

func getEnv(s, def string) string {
	if res := os.Getenv(s); res != "" {
		return res
	}
	return def
}

func dial(hostPort string) error {
	conn, err := net.DialTimeout("tcp", hostPort, time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func newRequest(t *testing.T, method string, srv, urlSuffix, user string, body interface{}) *http.Request {
	t.Helper()
	path, _ := url.JoinPath(srv, urlSuffix)
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = strings.NewReader(string(b))
	}
	req, err := http.NewRequest(method, path, r)
	require.Nil(t, err)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(api.UserIDHeader, user)
	}
	return req
}

func invoke(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := cfg.httpclient.Do(req)
	require.Nil(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func checkCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		b, _ := io.ReadAll(resp.Body)
		require.Equal(t, expected, resp.StatusCode, string(b))
	}
}

func decode[T any](t *testing.T, resp *http.Response) *T {
	t.Helper()
	var res T
	require.Nil(t, json.NewDecoder(resp.Body).Decode(&res))
	return &res
}

func waitForDB(ctx context.Context, URL string) *pgxpool.Pool {
	pool, err := pgxpool.New(ctx, URL)
	if err != nil {
		log.Fatalf("FAIL: can't init db pool: %v", err)
	}
	db, err := postgres.NewDB(pool)
	if err != nil {
		log.Fatalf("FAIL: can't init db: %v", err)
	}
	for {
		if err = db.Live(ctx); err == nil {
			return pool
		}
		log.Printf("db: %v", err)
		select {
		case <-ctx.Done():
			log.Fatalf("FAIL: can't access db")
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// addProfile creates a user of the tier, plans.<tier> must be configured for the services
func addProfile(t *testing.T, tier string, topup int32) string {
	t.Helper()
	id := "it-" + time.Now().Format("150405.000000") + "-" + tier
	_, err := cfg.pool.Exec(context.Background(),
		`INSERT INTO profiles(id, tier, topup_minutes) VALUES($1, $2, $3)`, id, tier, topup)
	require.Nil(t, err)
	return id
}
