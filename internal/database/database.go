package database

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"taskworker/internal/config"
)

//go:embed schema.sql
var schema string

// RetryDelay is the base delay between connection attempts. Attempt n waits n*RetryDelay.
var RetryDelay = 2 * time.Second

// New connects to the Postgres database described by the configuration. The connection is
// attempted conf.Database.ConnectAttempts times before giving up.
func New(conf *config.TWConfig, logger zerolog.Logger) (*sqlx.DB, error) {
	attempts := max(conf.Database.ConnectAttempts, 1)
	return connect(conf.GetDatabaseURL(), attempts, logger)
}

func connect(url string, maxAttempts int, logger zerolog.Logger) (*sqlx.DB, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		db, err := sqlx.Connect("pgx", url)
		if err == nil {
			return db, nil
		}

		lastErr = err
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("Could not connect to database")
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt) * RetryDelay)
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// Migrate applies the embedded schema. The statements are idempotent, so it is safe to run
// against a database that is already up to date.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("could not apply schema: %w", err)
	}
	return nil
}
