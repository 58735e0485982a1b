package main

import (
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/postgres"
)

func main() {
	goapp.StartWithDefault()
	url := goapp.Config.GetString("db.url")
	if url == "" {
		goapp.Log.Fatal().Msg("no db.url")
	}
	goapp.Log.Info().Msg("migrating")
	if err := postgres.Migrate(url); err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't migrate")
	}
	goapp.Log.Info().Msg("migrated")
}
