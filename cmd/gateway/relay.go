package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"solana-feed-gateway/internal/feed"
	chstore "solana-feed-gateway/internal/storage/clickhouse"
	pgstore "solana-feed-gateway/internal/storage/postgres"
)

// runRelay turns Postgres NOTIFY payloads into Redis messages so gateways
// running with feed=redis share one listener.
func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	pool, err := openPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	hub := feed.NewHub(cfg.FeedBuffer, logger)
	defer hub.Close()

	listener := pgstore.NewListener(pool, hub, logger, collections...)
	relay := feed.NewRelay(hub, rdb, cfg.RedisPrefix, logger, collections...)

	components := []component{
		{name: "postgres_listener", run: listener.Run},
		{name: "redis_relay", run: relay.Run},
	}

	if cfg.ClickhouseDSN != "" {
		conn, err := chstore.Open(ctx, cfg.ClickhouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		defer conn.Close()
		volume := chstore.NewVolumeStore(conn, logger)
		lookup := pgstore.NewTransactionStore(pool).GetByID
		components = append(components, component{
			name: "volume_mirror",
			run: func(ctx context.Context) error {
				return runMirror(ctx, volume, hub, lookup, logger)
			},
		})
	}

	logger.Info("starting relay",
		zap.String("redis_prefix", cfg.RedisPrefix),
		zap.Strings("collections", collections),
	)
	return runComponents(ctx, logger, components...)
}
