package result

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/minio/minio-go/v7"
	"github.com/pkg/errors"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/status"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// FileReader loads file by name
type FileReader interface {
	LoadFile(ctx context.Context, name string) (io.ReadSeekCloser, error)
}

// DB loads jobs
type DB interface {
	LoadJob(ctx context.Context, id string) (*persistence.Job, error)
}

// Data keeps data required for service work
type Data struct {
	Port int
	DB   DB
	// Reader is optional, audio download is disabled without it
	Reader FileReader
}

// StartWebServer starts echo web service
func StartWebServer(data *Data) error {
	goapp.Log.Info().Int("port", data.Port).Msg("Starting SCRIBE result service")

	if err := validate(data); err != nil {
		return err
	}

	portStr := strconv.Itoa(data.Port)

	e := initRoutes(data)

	e.Server.Addr = ":" + portStr
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 5 * time.Minute

	gracehttp.SetLogger(log.New(goapp.Log, "", 0))

	return gracehttp.Serve(e.Server)
}

func validate(data *Data) error {
	if data.DB == nil {
		return errors.New("no DB")
	}
	return nil
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("scribe_result", nil)
}

func initRoutes(data *Data) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	e.GET("/result/:id", transcript(data))
	e.HEAD("/result/:id", transcript(data))
	if data.Reader != nil {
		e.GET("/audio/:id", downloadAudio(data))
		e.HEAD("/audio/:id", downloadAudio(data))
	}
	e.GET("/live", live(data))

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

func transcript(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("transcript method")()

		f, err := ParseFormat(c.QueryParam("format"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		job, err := ownedJob(c, data)
		if err != nil {
			return err
		}
		if status.From(job.Status) != status.Completed {
			return echo.NewHTTPError(http.StatusConflict, "job is not completed")
		}
		b, err := Render(f, &api.Transcript{Segments: job.Transcript, Language: job.Language.String})
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		w := c.Response()
		w.Header().Set(echo.HeaderContentType, f.ContentType())
		w.Header().Set(echo.HeaderContentDisposition, "attachment; filename="+job.VideoID+"."+string(f))
		modTime := job.Updated
		if job.Completed.Valid {
			modTime = job.Completed.Time
		}
		http.ServeContent(w, c.Request(), "", modTime, bytes.NewReader(b))
		return nil
	}
}

func downloadAudio(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("audio method")()

		job, err := ownedJob(c, data)
		if err != nil {
			return err
		}
		if !job.AudioPath.Valid || job.AudioPath.String == "" {
			return echo.NewHTTPError(http.StatusNotFound, "no audio")
		}
		return serveFile(c, data, job.AudioPath.String)
	}
}

func ownedJob(c echo.Context, data *Data) (*persistence.Job, error) {
	userID := c.Request().Header.Get(api.UserIDHeader)
	if userID == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized)
	}
	id := c.Param("id")
	if id == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "No ID")
	}
	job, err := data.DB.LoadJob(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound)
		}
		goapp.Log.Error().Err(err).Send()
		return nil, echo.NewHTTPError(http.StatusInternalServerError)
	}
	if job.UserID != userID {
		goapp.Log.Warn().Str("ID", goapp.Sanitize(id)).Msg("not owner")
		return nil, echo.NewHTTPError(http.StatusNotFound)
	}
	return job, nil
}

func serveFile(c echo.Context, data *Data, name string) error {
	goapp.Log.Info().Str("file", name).Msg("loading")
	file, err := data.Reader.LoadFile(c.Request().Context(), name)
	if err != nil {
		return fileErr(err)
	}
	defer file.Close()
	modTime := time.Time{}
	if st, ok := file.(interface{ Stat() (fs.FileInfo, error) }); ok {
		stat, err := st.Stat()
		if err != nil {
			return fileErr(err)
		}
		modTime = stat.ModTime()
	}
	w := c.Response()
	w.Header().Set(echo.HeaderContentDisposition, "attachment; filename="+path.Base(name))
	http.ServeContent(w, c.Request(), name, modTime, file)
	return nil
}

func fileErr(err error) error {
	goapp.Log.Error().Err(err).Send()
	if isNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "Can't get file")
}

func isNotFound(err error) bool {
	var errTest minio.ErrorResponse
	return errors.As(err, &errTest) && errTest.StatusCode == http.StatusNotFound
}
