package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/config"
)

var ErrUnsupportedProvider = errors.New("database provider is not supported by this build")

const pingTimeout = 5 * time.Second

// Connect opens the Postgres pool and pings it once. Failures come back as
// *Error so callers can tell a misconfiguration from an outage.
func Connect(ctx context.Context, databaseURL, provider string) (*pgxpool.Pool, error) {
	if provider != config.ProviderPostgres {
		return nil, &Error{Kind: KindConfig, Err: ErrUnsupportedProvider}
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, Wrap(err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, Wrap(err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, Wrap(err)
	}
	return pool, nil
}
