package main

import (
	"context"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/cache"
	"github.com/airenas/scribe/internal/pkg/ledger"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/submit"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
)

func main() {
	goapp.StartWithDefault()

	printBanner()

	cfg := goapp.Config
	data := &submit.Data{}
	data.Port = cfg.GetInt("port")
	data.TopupSecret = cfg.GetString("topupSecret")
	data.MaxDuration = cfg.GetInt32("job.maxDurationSec")
	data.RateLimit = cfg.GetInt64("rateLimit.count")
	data.RateWindow = cfg.GetDuration("rateLimit.window")
	if data.RateWindow == 0 {
		data.RateWindow = time.Minute
	}

	ctx := context.Background()

	dbConfig, err := pgxpool.ParseConfig(cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	goapp.Log.Info().Int32("max_conn", dbConfig.MaxConns).Msg("db info")

	dbPool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	db, err := postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}
	data.DB = db

	plans, err := ledger.PlansFromConfig(cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init plans")
	}
	data.Ledger, err = ledger.New(dbPool, plans)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init ledger")
	}

	data.MsgSender, err = postgres.NewSender(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue sender")
	}

	if url := cfg.GetString("redis.url"); url != "" && data.RateLimit > 0 {
		rc, err := cache.NewRedis(url)
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init redis")
		}
		defer rc.Close()
		data.Limiter = rc
	} else {
		goapp.Log.Warn().Msg("rate limit disabled")
	}

	if err := submit.StartWebServer(data); err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start web server")
	}
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

             __              _ __
   _______  __/ /_  ____ ___  (_) /_
  / ___/ / / / __ \/ __ ` + "`" + `__ \/ / __/
 (__  ) /_/ / /_/ / / / / / / / /_
/____/\__,_/_.___/_/ /_/ /_/_/\__/  v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/scribe"))
}
