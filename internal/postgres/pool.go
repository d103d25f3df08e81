// Package postgres builds the shared pgx connection pool and the query
// tracer that feeds logs, spans and per-request stats.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	DatabaseURL string
	MaxConns    int32

	// SlowQuery is the threshold under which successful queries are not
	// logged. Zero logs every query.
	SlowQuery time.Duration
}

// NewPool opens a pgx pool with otelpgx tracing wrapped in the logging
// tracer and verifies connectivity.
func NewPool(ctx context.Context, c PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	pc.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), c.SlowQuery)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
