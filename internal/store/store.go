// Package store is the Postgres persistence layer of the meta-cache: the
// request log, the work queue and the credential pool. All identifier
// columns follow the empty-string-is-NULL convention at this boundary so the
// any-identifier joins behave (NULL never equals NULL).
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type Store struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, databaseURL string, log *zap.SugaredLogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying connection pool (used by migrations).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// nullable maps the empty string to NULL for writes.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
