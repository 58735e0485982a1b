package postgres

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending migrations to the database at dbURL
func Migrate(dbURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("can't load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dbURL))
	if err != nil {
		return fmt.Errorf("can't init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			goapp.Log.Info().Msg("no new migrations")
			return nil
		}
		return fmt.Errorf("can't migrate: %w", err)
	}
	v, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("can't get version: %w", err)
	}
	goapp.Log.Info().Uint("version", v).Bool("dirty", dirty).Msg("migrated")
	return nil
}

// toMigrateURL switches the scheme to the pgx v5 migrate driver
func toMigrateURL(dbURL string) string {
	for _, p := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dbURL, p) {
			return "pgx5://" + strings.TrimPrefix(dbURL, p)
		}
	}
	return dbURL
}
