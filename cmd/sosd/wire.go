package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	sc "github.com/carecompanion/sosd/internal/cfg"
	"github.com/carecompanion/sosd/internal/emergency"
	"github.com/carecompanion/sosd/internal/emergency/memstore"
	"github.com/carecompanion/sosd/internal/emergency/pgstore"
	"github.com/carecompanion/sosd/internal/events/redisstream"
	"github.com/carecompanion/sosd/internal/notify/slack"
	"github.com/carecompanion/sosd/internal/postgres"
)

// store is what both backends provide.
type store interface {
	emergency.AlertStore
	emergency.ContactStore
	emergency.HealthSource
}

// openStore returns the postgres store when a database is configured and
// the in-memory store otherwise. The returned func releases the pool.
func openStore(ctx context.Context, c *sc.Config, codec emergency.Codec, L log.Logger) (store, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DatabaseURL: c.DatabaseURL,
		MaxConns:    int32(c.DBMaxConns), //nolint:gosec // validated to 1..200
		SlowQuery:   c.SlowQuery(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	pg, err := pgstore.New(ctx, pool, codec)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	if c.MigrateLegacyLists {
		n, err := pg.MigrateLegacyLists(ctx)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate legacy lists: %w", err)
		}
		L.Info(ctx, "legacy list migration complete", "rows", n)
	}
	L.Info(ctx, "using postgres store", "max_conns", c.DBMaxConns)
	return pg, pool.Close, nil
}

// eventSinks builds the optional lifecycle event sinks. The returned func
// closes their connections.
func eventSinks(ctx context.Context, c *sc.Config, L log.Logger) ([]emergency.EventSink, func(), error) {
	var (
		sinks  []emergency.EventSink
		closer = func() {}
	)
	if c.SlackWebhookURL != "" {
		sinks = append(sinks, slack.New(c.SlackWebhookURL, L))
		L.Info(ctx, "event sink enabled", "type", "slack")
	}
	if c.RedisURL != "" {
		rdb, err := redisstream.Open(ctx, c.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		closer = func() { _ = rdb.Close() }
		sinks = append(sinks, redisstream.New(rdb, c.RedisStream, redisstream.DefaultMaxLen))
		L.Info(ctx, "event sink enabled", "type", "redis", "stream", c.RedisStream)
	}
	return sinks, closer, nil
}
