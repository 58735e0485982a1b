package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airenas/async-api/pkg/miniofs"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/audio"
	"github.com/airenas/scribe/internal/pkg/consul"
	"github.com/airenas/scribe/internal/pkg/extractor"
	"github.com/airenas/scribe/internal/pkg/ledger"
	"github.com/airenas/scribe/internal/pkg/metrics"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/stt"
	"github.com/airenas/scribe/internal/pkg/stt/gemini"
	"github.com/airenas/scribe/internal/pkg/stt/whisper"
	"github.com/airenas/scribe/internal/pkg/utils"
	"github.com/airenas/scribe/internal/pkg/worker"
	"github.com/cenkalti/backoff/v4"
	capi "github.com/hashicorp/consul/api"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
	"github.com/spf13/viper"
	"github.com/vgarvardt/gue/v5"
	"github.com/vgarvardt/gue/v5/adapter/pgxv5"
)

func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	data := &worker.ServiceData{}
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	dbConfig, err := pgxpool.ParseConfig(cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}

	goapp.Log.Info().Int32("max_conn", dbConfig.MaxConns).Int32("min_conn", dbConfig.MinConns).Msg("db info")

	dbPool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	data.GueClient, err = gue.NewClient(pgxv5.NewConnPool(dbPool))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue")
	}
	data.WorkerCount = defaultV(cfg.GetInt("worker.count"), 4)
	data.Testing = cfg.GetBool("worker.testing")
	data.Lease = defaultV(cfg.GetDuration("lease.duration"), 5*time.Minute)
	data.ExtractAttempts = defaultV(cfg.GetInt("extractor.attempts"), 3)
	data.ExtractBackoff = defaultV(cfg.GetDuration("extractor.backoff"), 2*time.Second)
	data.MsgSender, err = postgres.NewSender(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue sender")
	}
	if cfg.GetString("filer.url") != "" {
		data.Filer, err = miniofs.NewFiler(ctx, miniofs.Options{Bucket: cfg.GetString("filer.bucket"),
			URL: cfg.GetString("filer.url"), User: cfg.GetString("filer.user"), Key: cfg.GetString("filer.key"),
			Secure: cfg.GetBool("filer.https")})
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init filer")
		}
	} else {
		goapp.Log.Warn().Msg("no filer.url, audio is not retained")
	}
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

	extOpts := extractorOptions(cfg)
	newExtractor := func(apiURL string) (extractor.Extractor, error) {
		return extractor.NewClient(apiURL, extOpts)
	}
	var consulDone <-chan struct{}
	if srv := cfg.GetString("consul.service"); srv != "" {
		ccfg := capi.DefaultConfig()
		if addr := cfg.GetString("consul.url"); addr != "" {
			ccfg.Address = addr
		}
		provider, err := consul.NewProvider(ccfg, srv, newExtractor)
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init consul provider")
		}
		consulDone, err = provider.StartRegistryLoop(ctx, defaultV(cfg.GetDuration("consul.checkInterval"), 30*time.Second))
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't start consul loop")
		}
		data.Extractors = provider
	} else {
		e, err := newExtractor(cfg.GetString("extractor.url"))
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init extractor")
		}
		data.Extractors = &extractor.Static{E: e}
	}

	data.Transcriber, err = newTranscriber(ctx, cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init transcriber")
	}

	go utils.RunPerfEndpoint()

	printBanner()

	doneCh, err := worker.StartWorkerService(ctx, data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start worker service")
	}
	/////////////////////// Waiting for terminate
	waitCh := make(chan os.Signal, 2)
	signal.Notify(waitCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-waitCh:
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
	if consulDone != nil {
		<-consulDone
	}
}

func extractorOptions(cfg *viper.Viper) extractor.Options {
	res := extractor.DefaultOptions()
	res.VideoURLTemplate = defaultV(cfg.GetString("extractor.videoUrlTemplate"), res.VideoURLTemplate)
	res.AudioFormat = defaultV(cfg.GetString("extractor.audioFormat"), res.AudioFormat)
	res.APIKey = cfg.GetString("extractor.key")
	res.MaxBytes = defaultV(cfg.GetInt64("extractor.maxBytes"), res.MaxBytes)
	res.Timeout = defaultV(cfg.GetDuration("extractor.timeout"), res.Timeout)
	res.DownloadTimeout = defaultV(cfg.GetDuration("extractor.downloadTimeout"), res.DownloadTimeout)
	return res
}

// newTranscriber builds stt cascade: gemini models first, then whisper, wrapped in chunking
func newTranscriber(ctx context.Context, cfg *viper.Viper) (stt.Transcriber, error) {
	var candidates []stt.Candidate
	if key := cfg.GetString("stt.gemini.key"); key != "" {
		opts := gemini.DefaultOptions()
		opts.APIKey = key
		opts.InlineThreshold = defaultV(cfg.GetInt64("stt.gemini.inlineThreshold"), opts.InlineThreshold)
		opts.PollInterval = defaultV(cfg.GetDuration("stt.gemini.pollInterval"), opts.PollInterval)
		opts.PollTimeout = defaultV(cfg.GetDuration("stt.gemini.pollTimeout"), opts.PollTimeout)
		p, err := gemini.New(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, m := range defaultSlice(cfg.GetStringSlice("stt.gemini.models"), []string{"gemini-2.5-flash"}) {
			candidates = append(candidates, stt.Candidate{Provider: p, Model: m})
		}
	}
	if key := cfg.GetString("stt.whisper.key"); key != "" {
		p, err := whisper.New(key, cfg.GetString("stt.whisper.url"))
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, stt.Candidate{Provider: p,
			Model: defaultV(cfg.GetString("stt.whisper.model"), "whisper-1")})
	}
	initial := defaultV(cfg.GetDuration("stt.backoff"), time.Second)
	cascade, err := stt.NewCascade(candidates, defaultV(cfg.GetInt("stt.attempts"), 3), func() backoff.BackOff {
		res := backoff.NewExponentialBackOff()
		res.InitialInterval = initial
		res.MaxInterval = initial * 16
		return res
	})
	if err != nil {
		return nil, err
	}
	cascade.WithObserver(metrics.ProviderAttempt)
	if !cfg.GetBool("chunk.enabled") {
		return cascade, nil
	}
	splitter, err := audio.NewSplitter(defaultV(cfg.GetString("chunk.ffmpeg"), "ffmpeg"),
		defaultV(cfg.GetString("chunk.ffprobe"), "ffprobe"), cfg.GetString("chunk.tempDir"))
	if err != nil {
		return nil, err
	}
	res, err := stt.NewChunked(cascade, splitter, defaultV(cfg.GetInt64("chunk.threshold"), int64(20<<20)),
		defaultV(cfg.GetInt("chunk.seconds"), 600), defaultV(cfg.GetInt("chunk.concurrency"), 3))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func defaultV[T comparable](v, d T) T {
	var e T
	if v == e {
		return d
	}
	return v
}

func defaultSlice(v, d []string) []string {
	if len(v) == 0 {
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
/____/\___/_/  /_/_.___/\___/  v: %s

                      __
 _      ______  _____/ /_____  _____
| | /| / / __ \/ ___/ //_/ _ \/ ___/
| |/ |/ / /_/ / /  / ,< /  __/ /
|__/|__/\____/_/  /_/|_|\___/_/

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/scribe"))
}
