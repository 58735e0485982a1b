package submit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/google/uuid"
	perrors "github.com/pkg/errors"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/airenas/scribe/internal/pkg/ledger"
	"github.com/airenas/scribe/internal/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/status"
	"github.com/airenas/scribe/internal/pkg/utils"
	"github.com/jackc/pgx/v5"

	"github.com/airenas/go-app/pkg/goapp"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// MsgSender provides send msg functionality
type MsgSender interface {
	SendMessage(context.Context, amessages.Message, string) error
}

// DB saves and cancels jobs
type DB interface {
	InsertJob(ctx context.Context, job *persistence.Job) error
	CancelJob(ctx context.Context, id, userID string, refund postgres.RefundFunc) (int32, error)
	Live(ctx context.Context) error
}

// Ledger provides balance operations
type Ledger interface {
	Profile(ctx context.Context, userID string) (string, time.Time, error)
	Plan(tier string) ledger.Plan
	CheckAvailable(ctx context.Context, userID string, minutesNeeded int32, period ledger.Period) (*ledger.CheckResult, error)
	Usage(ctx context.Context, userID string, period ledger.Period) (*ledger.Usage, error)
	CreditTopup(ctx context.Context, userID, paymentIntentID string, minutes int32, amountPaid int64) (*ledger.TopupResult, error)
	RefundIn(ctx context.Context, tx pgx.Tx, jobID string) (*ledger.RefundResult, error)
}

// RateLimiter counts submissions
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// Data keeps data required for service work
type Data struct {
	Port      int
	DB        DB
	Ledger    Ledger
	MsgSender MsgSender
	// Limiter is optional
	Limiter     RateLimiter
	RateLimit   int64
	RateWindow  time.Duration
	TopupSecret string
	MaxDuration int32

	now func() time.Time
}

var videoIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)

// StartWebServer starts echo web service
func StartWebServer(data *Data) error {
	goapp.Log.Info().Msgf("Starting HTTP SCRIBE submit service at %d", data.Port)
	if err := validate(data); err != nil {
		return err
	}

	portStr := strconv.Itoa(data.Port)

	e := initRoutes(data)

	e.Server.Addr = ":" + portStr
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = 20 * time.Second
	e.Server.WriteTimeout = 30 * time.Second

	gracehttp.SetLogger(log.New(goapp.Log, "", 0))

	return gracehttp.Serve(e.Server)
}

func validate(data *Data) error {
	if data.DB == nil {
		return perrors.New("no DB")
	}
	if data.Ledger == nil {
		return perrors.New("no Ledger")
	}
	if data.MsgSender == nil {
		return perrors.New("no msg sender")
	}
	if data.Limiter != nil && (data.RateLimit < 1 || data.RateWindow <= 0) {
		return perrors.Errorf("wrong rate limit %d per %s", data.RateLimit, data.RateWindow)
	}
	return nil
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("scribe_submit", nil)
}

func initRoutes(data *Data) *echo.Echo {
	if data.now == nil {
		data.now = time.Now
	}
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	e.POST("/jobs", submit(data))
	e.POST("/jobs/:id/cancel", cancel(data))
	e.GET("/usage", usage(data))
	if data.TopupSecret != "" {
		e.POST(fmt.Sprintf("/topup/%s", data.TopupSecret), topup(data))
	}
	e.GET("/live", live(data))

	goapp.Log.Info().Msg("Routes:")
	for _, r := range e.Routes() {
		goapp.Log.Info().Msgf("  %s %s", r.Method, goapp.Sanitize(r.Path))
	}
	return e
}

func live(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		if err := data.DB.Live(c.Request().Context()); err != nil {
			goapp.Log.Error().Err(err).Msg("live")
			return c.JSONBlob(http.StatusServiceUnavailable, []byte(`{"service":"ERR"}`))
		}
		return c.JSONBlob(http.StatusOK, []byte(`{"service":"OK"}`))
	}
}

func submit(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("submit method")()
		ctx := c.Request().Context()

		userID, err := takeUser(c)
		if err != nil {
			return err
		}
		if err := checkRate(ctx, data, userID); err != nil {
			return err
		}
		var input api.SubmitRequest
		if err := c.Bind(&input); err != nil {
			goapp.Log.Warn().Err(err).Send()
			return echo.NewHTTPError(http.StatusBadRequest, "wrong input")
		}
		if err := validateInput(&input, data.MaxDuration); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		tier, anchor, err := data.Ledger.Profile(ctx, userID)
		if err != nil {
			if errors.Is(err, ledger.ErrNoAccount) {
				return c.JSON(http.StatusForbidden, api.ErrorResult{Code: api.ErrNotEntitled, Message: "no account"})
			}
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		plan := data.Ledger.Plan(tier)
		if !plan.Transcription {
			return c.JSON(http.StatusForbidden, api.ErrorResult{Code: api.ErrNotEntitled,
				Message: "transcription is not available for the plan"})
		}
		period := ledger.MonthlyPeriod(anchor, data.now())
		minutes := EstimateMinutes(input.DurationSeconds)
		check, err := data.Ledger.CheckAvailable(ctx, userID, minutes, period)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		if !check.Allowed {
			goapp.Log.Info().Str("user", goapp.Sanitize(userID)).Int32("needed", minutes).
				Int32("total", check.TotalRemaining).Msg("insufficient credits")
			return c.JSON(http.StatusForbidden, api.ErrorResult{Code: api.ErrInsufficientCredits,
				Message: "not enough minutes", Balance: &api.Balance{Needed: minutes,
					SubscriptionRemaining: check.SubscriptionRemaining, TopupRemaining: check.TopupRemaining,
					TotalRemaining: check.TotalRemaining}})
		}

		job := &persistence.Job{ID: uuid.New().String(), UserID: userID, VideoID: input.VideoID,
			AnalysisID: utils.ToSQLStr(input.AnalysisID), Status: status.Pending.String(),
			DurationSec: input.DurationSeconds, EstimatedMinutes: minutes, SubscriptionLimit: plan.Minutes,
			PeriodStart: utils.ToSQLTime(period.Start), PeriodEnd: utils.ToSQLTime(period.End), Created: data.now()}
		if err := data.DB.InsertJob(ctx, job); err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		if err := data.MsgSender.SendMessage(ctx, &messages.JobMessage{QueueMessage: amessages.QueueMessage{ID: job.ID},
			UserID: userID}, messages.Transcribe); err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		goapp.Log.Info().Str("ID", job.ID).Str("video", job.VideoID).Int32("minutes", minutes).Msg("submitted")
		return c.JSON(http.StatusOK, api.SubmitResult{JobID: job.ID, EstimatedMinutes: minutes})
	}
}

func cancel(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("cancel method")()
		ctx := c.Request().Context()

		userID, err := takeUser(c)
		if err != nil {
			return err
		}
		id := c.Param("id")
		if id == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "No ID")
		}
		refunded, err := data.DB.CancelJob(ctx, id, userID, func(ctx context.Context, tx pgx.Tx, jobID string) (int32, error) {
			res, err := data.Ledger.RefundIn(ctx, tx, jobID)
			if err != nil {
				return 0, err
			}
			return res.Minutes, nil
		})
		if err != nil {
			switch {
			case errors.Is(err, postgres.ErrNotFound):
				return echo.NewHTTPError(http.StatusNotFound)
			case errors.Is(err, postgres.ErrNotCancellable):
				return c.JSON(http.StatusConflict, api.ErrorResult{Code: api.ErrNotCancellable, Message: err.Error()})
			}
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		if err := data.MsgSender.SendMessage(ctx, &messages.JobMessage{QueueMessage: amessages.QueueMessage{ID: id},
			UserID: userID}, messages.StatusChange); err != nil {
			goapp.Log.Warn().Err(err).Str("ID", id).Msg("can't send status change")
		}
		goapp.Log.Info().Str("ID", goapp.Sanitize(id)).Int32("refunded", refunded).Msg("cancelled")
		return c.JSON(http.StatusOK, api.CancelResult{Status: status.Cancelled.String(), RefundedMinutes: refunded})
	}
}

func usage(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("usage method")()
		ctx := c.Request().Context()

		userID, err := takeUser(c)
		if err != nil {
			return err
		}
		_, anchor, err := data.Ledger.Profile(ctx, userID)
		if err != nil {
			if errors.Is(err, ledger.ErrNoAccount) {
				return echo.NewHTTPError(http.StatusNotFound)
			}
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		u, err := data.Ledger.Usage(ctx, userID, ledger.MonthlyPeriod(anchor, data.now()))
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, api.UsageResult{Tier: u.Tier,
			SubscriptionMinutes: api.SubscriptionMinutes{Used: u.Subscription.Used, Limit: u.Subscription.Limit,
				Remaining: u.Subscription.Remaining},
			TopupMinutes: u.TopupMinutes, TotalRemaining: u.TotalRemaining,
			PeriodStart: u.Period.Start, PeriodEnd: u.Period.End})
	}
}

func topup(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("topup method")()
		ctx := c.Request().Context()

		var input api.TopupRequest
		if err := c.Bind(&input); err != nil {
			goapp.Log.Warn().Err(err).Send()
			return echo.NewHTTPError(http.StatusBadRequest, "wrong input")
		}
		if input.UserID == "" || input.PaymentIntentID == "" || input.Minutes <= 0 || input.AmountPaid < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "wrong input")
		}
		res, err := data.Ledger.CreditTopup(ctx, input.UserID, input.PaymentIntentID, input.Minutes, input.AmountPaid)
		if err != nil {
			if errors.Is(err, ledger.ErrNoAccount) {
				return echo.NewHTTPError(http.StatusNotFound)
			}
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, api.TopupResult{Duplicate: res.Duplicate, TopupMinutes: res.TopupBalance})
	}
}

func takeUser(c echo.Context) (string, error) {
	res := c.Request().Header.Get(api.UserIDHeader)
	if res == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized)
	}
	return res, nil
}

func checkRate(ctx context.Context, data *Data, userID string) error {
	if data.Limiter == nil {
		return nil
	}
	ok, err := data.Limiter.Allow(ctx, userID, data.RateLimit, data.RateWindow)
	if err != nil {
		goapp.Log.Warn().Err(err).Msg("rate limiter")
		return nil
	}
	if !ok {
		return echo.NewHTTPError(http.StatusTooManyRequests, api.ErrRateLimited)
	}
	return nil
}

func validateInput(input *api.SubmitRequest, maxDuration int32) error {
	if !videoIDRegexp.MatchString(input.VideoID) {
		return perrors.Errorf("wrong videoId '%s'", goapp.Sanitize(input.VideoID))
	}
	if input.DurationSeconds <= 0 {
		return perrors.New("no durationSeconds")
	}
	if maxDuration > 0 && input.DurationSeconds > maxDuration {
		return perrors.Errorf("video is too long, max %d seconds", maxDuration)
	}
	if len(input.AnalysisID) > 100 {
		return perrors.New("wrong analysisId")
	}
	return nil
}

// EstimateMinutes rounds seconds up to minutes, at least one
func EstimateMinutes(sec int32) int32 {
	return max(int32(math.Ceil(float64(sec)/60)), 1)
}
