package statusservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/gorilla/websocket"

	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/status"

	"github.com/airenas/go-app/pkg/goapp"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// DB loads jobs
type DB interface {
	LoadJob(ctx context.Context, id string) (*persistence.Job, error)
}

// Cache keeps terminal status documents
type Cache interface {
	GetStatus(ctx context.Context, id string) ([]byte, bool, error)
	SetStatus(ctx context.Context, id string, data []byte, ttl time.Duration) error
}

// WSConnHandler keeps websocket subscriptions
type WSConnHandler interface {
	HandleConnection(conn WsConn, owner string) error
	Count(key string) int
	Send(key string, v interface{}) int
}

// Data keeps data required for service work
type Data struct {
	Port      int
	DB        DB
	WSHandler WSConnHandler
	// Cache is optional
	Cache    Cache
	CacheTTL time.Duration
}

// StartWebServer starts echo web service
func StartWebServer(data *Data) error {
	goapp.Log.Info().Msgf("Starting HTTP SCRIBE status service at %d", data.Port)
	if err := validate(data); err != nil {
		return err
	}

	portStr := strconv.Itoa(data.Port)

	e := initRoutes(data)

	e.Server.Addr = ":" + portStr
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 10 * time.Second

	gracehttp.SetLogger(log.New(goapp.Log, "", 0))

	return gracehttp.Serve(e.Server)
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("scribe_status", nil)
}

func initRoutes(data *Data) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	e.GET("/status/:id", statusHandler(data))
	e.GET("/live", live(data))
	e.GET("/subscribe", subscribeHandler(data))

	goapp.Log.Info().Msg("Routes:")
	for _, r := range e.Routes() {
		goapp.Log.Info().Msgf("  %s %s", r.Method, r.Path)
	}
	return e
}

func live(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		return c.JSONBlob(http.StatusOK, []byte(`{"service":"OK"}`))
	}
}

// cached keeps owner next to the cached document
type cached struct {
	UserID string            `json:"userId"`
	Result *api.StatusResult `json:"result"`
}

func statusHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("status method")()
		ctx := c.Request().Context()

		userID := c.Request().Header.Get(api.UserIDHeader)
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized)
		}
		id := c.Param("id")
		if id == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "No ID")
		}
		if res := fromCache(ctx, data, id); res != nil {
			if res.UserID != userID {
				return echo.NewHTTPError(http.StatusNotFound)
			}
			return c.JSON(http.StatusOK, res.Result)
		}
		job, err := data.DB.LoadJob(ctx, id)
		if err != nil {
			if errors.Is(err, postgres.ErrNotFound) {
				return echo.NewHTTPError(http.StatusNotFound)
			}
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
		}
		if job.UserID != userID {
			goapp.Log.Warn().Str("ID", id).Msg("not owner")
			return echo.NewHTTPError(http.StatusNotFound)
		}
		res := MapJob(job)
		if status.From(job.Status).Terminal() {
			toCache(ctx, data, job.UserID, res)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func fromCache(ctx context.Context, data *Data, id string) *cached {
	if data.Cache == nil {
		return nil
	}
	b, found, err := data.Cache.GetStatus(ctx, id)
	if err != nil {
		goapp.Log.Warn().Err(err).Str("ID", id).Msg("cache")
		return nil
	}
	if !found {
		return nil
	}
	var res cached
	if err := json.Unmarshal(b, &res); err != nil || res.Result == nil {
		goapp.Log.Warn().Err(err).Str("ID", id).Msg("wrong cached value")
		return nil
	}
	return &res
}

func toCache(ctx context.Context, data *Data, userID string, res *api.StatusResult) {
	if data.Cache == nil {
		return
	}
	b, err := json.Marshal(cached{UserID: userID, Result: res})
	if err != nil {
		goapp.Log.Warn().Err(err).Send()
		return
	}
	if err := data.Cache.SetStatus(ctx, res.ID, b, data.CacheTTL); err != nil {
		goapp.Log.Warn().Err(err).Str("ID", res.ID).Msg("can't cache")
	}
}

// MapJob converts job to status document. Transcript is added for completed jobs only,
// error message for failed ones
func MapJob(job *persistence.Job) *api.StatusResult {
	res := &api.StatusResult{ID: job.ID, Status: job.Status, Progress: job.Progress,
		CurrentStage: job.CurrentStage.String}
	if job.TotalChunks.Valid {
		tc, cc := job.TotalChunks.Int32, job.CompletedChunks.Int32
		res.TotalChunks, res.CompletedChunks = &tc, &cc
	}
	switch status.From(job.Status) {
	case status.Completed:
		res.TranscriptData = &api.Transcript{Segments: job.Transcript, Language: job.Language.String}
	case status.Failed:
		res.ErrorCode = job.ErrorCode.String
		res.ErrorMessage = job.Error.String
	case status.Cancelled:
		res.ErrorCode = job.ErrorCode.String
	}
	return res
}

// Snapshot returns SnapshotFunc loading owner's job status
func Snapshot(db DB) SnapshotFunc {
	return func(ctx context.Context, owner, id string) (interface{}, error) {
		job, err := db.LoadJob(ctx, id)
		if err != nil {
			if errors.Is(err, postgres.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if job.UserID != owner {
			return nil, nil
		}
		return MapJob(job), nil
	}
}

func validate(data *Data) error {
	if data.DB == nil {
		return fmt.Errorf("no DB")
	}
	if data.WSHandler == nil {
		return fmt.Errorf("no WSHandler")
	}
	if data.Cache != nil && data.CacheTTL <= 0 {
		return fmt.Errorf("no cache TTL")
	}
	return nil
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	}}

func subscribeHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(api.UserIDHeader)
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized)
		}
		ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return err
		}
		defer ws.Close()

		return data.WSHandler.HandleConnection(ws, userID)
	}
}
