package main

import (
	"context"
	"time"

	"github.com/airenas/async-api/pkg/miniofs"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/ledger"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/reaper"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
)

func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	ctx, cancelFunc := context.WithCancel(context.Background())
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

	db, err := postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}
	plans, err := ledger.PlansFromConfig(cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init plans")
	}
	l, err := ledger.New(dbPool, plans)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init ledger")
	}
	sender, err := postgres.NewSender(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue sender")
	}

	data := &reaper.Data{Port: cfg.GetInt("port"), Abandoner: reaper.Abandon(db, l, sender)}
	var fc reaper.FileCleaner
	if cfg.GetString("filer.url") != "" {
		filer, err := miniofs.NewFiler(ctx, miniofs.Options{Bucket: cfg.GetString("filer.bucket"),
			URL: cfg.GetString("filer.url"), User: cfg.GetString("filer.user"), Key: cfg.GetString("filer.key"),
			Secure: cfg.GetBool("filer.https")})
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init file cleaner")
		}
		fc = filer
		data.AudioDropper = reaper.DropAudio(db, filer)
	}

	rCfg := reaper.Config{RunEvery: defaultD(cfg.GetDuration("timer.runEvery"), time.Minute),
		PendingAfter:  defaultD(cfg.GetDuration("timer.pendingAfter"), 10*time.Minute),
		AudioRetained: defaultD(cfg.GetDuration("timer.audioRetained"), 7*24*time.Hour)}
	goapp.Log.Info().Dur("every", rCfg.RunEvery).Dur("pending", rCfg.PendingAfter).
		Dur("audio", rCfg.AudioRetained).Msg("timers")

	printBanner()

	doneCh, err := reaper.StartTimers(ctx, reaper.Timers(rCfg, db, l, sender, fc))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start timers")
	}
	if err := reaper.StartWebServer(data); err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start web server")
	}
	cancelFunc()
	select {
	case <-doneCh:
		goapp.Log.Info().Msg("All code returned. Now exit. Bye")
	case <-time.After(time.Second * 15):
		goapp.Log.Warn().Msg("Timeout gracefull shutdown")
	}
}

func defaultD(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
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

   ________  ____ _____  ___  _____
  / ___/ _ \/ __ ` + "`" + `/ __ \/ _ \/ ___/
 / /  /  __/ /_/ / /_/ /  __/ /
/_/   \___/\__,_/ .___/\___/_/   v: %s
               /_/

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/scribe"))
}
