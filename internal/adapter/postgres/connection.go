// Package postgres implements the persistent store on PostgreSQL with pgx.
package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/retry"
)

// Connect opens a pool and pings it, retrying with bounded exponential
// backoff. Exhausting the attempts yields a *repository.ConnectError.
func Connect(ctx context.Context, connString string, policy retry.Policy, logger *zap.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "invalid postgres connection string")
	}

	var pool *pgxpool.Pool
	attempts, err := retry.Do(ctx, policy, logger, "postgres connect", func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(&repository.ConnectError{Attempts: attempts, Err: err})
	}

	logger.Info("postgres connection pool established",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database),
		zap.Int("attempts", attempts),
	)
	return pool, nil
}
