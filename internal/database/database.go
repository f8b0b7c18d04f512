package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to Postgres through the pgx stdlib driver and applies pool limits.
func Open(ctx context.Context, dsn, environment string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", NormalizeDSN(dsn, environment))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	logger.Info().Msg("Database connection successful")

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// NormalizeDSN disables SSL for local development and forces the simple
// query protocol elsewhere, since production sits behind a transaction pooler.
func NormalizeDSN(dsn, environment string) string {
	isURL := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	appendParam := func(dsn, param string) string {
		if !isURL {
			return dsn + " " + param
		}
		if strings.Contains(dsn, "?") {
			return dsn + "&" + param
		}
		return dsn + "?" + param
	}

	if environment == "development" {
		if !strings.Contains(dsn, "sslmode") {
			dsn = appendParam(dsn, "sslmode=disable")
		}
		return dsn
	}
	if !strings.Contains(dsn, "prefer_simple_protocol") {
		dsn = appendParam(dsn, "prefer_simple_protocol=true")
	}
	return dsn
}

// Migrate applies all embedded migrations. An up-to-date schema is not an error.
func Migrate(db *sql.DB, logger zerolog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Msg("Database schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("Database migrations applied")
	return nil
}
