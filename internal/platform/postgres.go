package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool connects to Postgres, retrying with exponential backoff
// capped at 30s for up to 10 attempts to ride out transient connection
// failures during startup.
func NewPostgresPool(ctx context.Context, databaseURL string, logger *slog.Logger) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	withMax := backoff.WithMaxRetries(bo, 9) // 10 attempts total
	withCtx := backoff.WithContext(withMax, ctx)

	operation := func() error {
		p, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("creating pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("pinging database: %w", err)
		}
		pool = p
		return nil
	}

	notify := func(err error, d time.Duration) {
		logger.Warn("database connection attempt failed, retrying", "error", err, "backoff", d)
	}

	if err := backoff.RetryNotify(operation, withCtx, notify); err != nil {
		return nil, fmt.Errorf("connecting to database after retries: %w", err)
	}
	return pool, nil
}
