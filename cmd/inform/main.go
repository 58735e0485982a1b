package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	ainform "github.com/airenas/async-api/pkg/inform"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/inform"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
	"github.com/spf13/viper"
	"github.com/vgarvardt/gue/v5"
	"github.com/vgarvardt/gue/v5/adapter/pgxv5"
)

func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	ctx, cancelFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFunc()

	dbConfig, err := pgxpool.ParseConfig(cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	dbPool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	data := &inform.ServiceData{WorkerCount: cfg.GetInt("worker.count"), Testing: cfg.GetBool("worker.testing")}
	data.GueClient, err = gue.NewClient(pgxv5.NewConnPool(dbPool))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue")
	}
	data.DB, err = postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}
	data.EmailMaker, err = ainform.NewTemplateEmailMaker(cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init email maker")
	}
	if loc := cfg.GetString("worker.location"); loc != "" {
		data.Location, err = time.LoadLocation(loc)
		if err != nil {
			goapp.Log.Fatal().Err(err).Str("location", loc).Msg("can't load location")
		}
	}
	data.EmailSender, err = newSender(cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init email sender")
	}

	printBanner()

	doneCh, err := inform.StartWorkerService(ctx, data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start inform service")
	}
	select {
	case <-ctx.Done():
		goapp.Log.Info().Msg("Got exit signal")
	case <-doneCh:
		goapp.Log.Info().Msg("Service exit")
	}
	cancelFunc()
	select {
	case <-doneCh:
		goapp.Log.Info().Msg("All code returned. Now exit. Bye")
	case <-time.After(time.Second * 15):
		goapp.Log.Warn().Msg("Timeout gracefull shutdown")
	}
}

// newSender returns smtp sender, or http one if smtp.fakeUrl is set
func newSender(cfg *viper.Viper) (inform.Sender, error) {
	if cfg.GetString("smtp.fakeUrl") != "" {
		goapp.Log.Info().Str("sender", "http").Msg("smtp")
		return inform.NewFakeEmailSender(cfg)
	}
	goapp.Log.Info().Str("sender", "smtp").Msg("smtp")
	return ainform.NewSimpleEmailSender(cfg)
}

var (
	version = "DEV"
)

func printBanner() {
	banner := `
                    _ __
   ______________(_) /_  ___
  / ___/ ___/ ___/ / __ \/ _ \
 (__  ) /__/ /  / / /_/ /  __/
/____/\___/_/  /_/_.___/\___/

    _       ____
   (_)___  / __/___  _________ ___
  / / __ \/ /_/ __ \/ ___/ __ ` + "`" + `__ \
 / / / / / __/ /_/ / /  / / / / / /
/_/_/ /_/_/  \____/_/  /_/ /_/ /_/  v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/scribe"))
}
