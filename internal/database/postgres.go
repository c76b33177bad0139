// Package database is the Postgres persistence layer for index attempts,
// connector-credential pairs and search settings.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/config"
)

const defaultPingTimeout = 5 * time.Second

var (
	// ErrIndexAttemptNotFound is returned when an attempt id has no row.
	ErrIndexAttemptNotFound = errors.New("index attempt not found")
	// ErrCCPairNotFound is returned when a cc pair id has no row.
	ErrCCPairNotFound = errors.New("connector credential pair not found")
	// ErrNoCurrentSearchSettings is returned when no PRESENT generation exists.
	ErrNoCurrentSearchSettings = errors.New("no PRESENT search settings")
	// ErrSearchSettingsNotFound is returned when a settings id has no row.
	ErrSearchSettingsNotFound = errors.New("search settings not found")
	// ErrAttemptNotInProgress is returned by worker-side updates when the
	// attempt has left IN_PROGRESS, typically because it was cancelled.
	ErrAttemptNotInProgress = errors.New("index attempt is not in progress")
	// ErrAttemptNotStarted is returned when a worker tries to start an attempt
	// that is no longer NOT_STARTED.
	ErrAttemptNotStarted = errors.New("index attempt is not in not_started state")
)

// NewPostgresConnection opens and pings a pooled connection.
func NewPostgresConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnectionMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	return db, nil
}

// Now returns the database clock. All staleness and refresh comparisons use
// it so scheduler and worker hosts never disagree about time.
func Now(ctx context.Context, q sqlx.QueryerContext) (time.Time, error) {
	var now time.Time
	if err := sqlx.GetContext(ctx, q, &now, `SELECT NOW()`); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now, nil
}
