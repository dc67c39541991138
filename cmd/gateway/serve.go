package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"solana-feed-gateway/internal/config"
	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
	"solana-feed-gateway/internal/gateway"
	"solana-feed-gateway/internal/observability"
	"solana-feed-gateway/internal/session"
	"solana-feed-gateway/internal/solana"
	chstore "solana-feed-gateway/internal/storage/clickhouse"
	"solana-feed-gateway/internal/storage/memory"
	"solana-feed-gateway/internal/storage/migrations"
	pgstore "solana-feed-gateway/internal/storage/postgres"
	"solana-feed-gateway/internal/watcher"
)

var collections = []string{domain.CollectionTokens, domain.CollectionTransactions}

const mirrorRetryDelay = 5 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	metrics := observability.NewMetrics("gateway", nil)

	// every backend publishes into the hub; sessions only read from it
	hub := feed.NewHub(cfg.FeedBuffer, logger)
	defer hub.Close()

	stores, cleanup, err := createStores(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var components []component

	switch cfg.FeedBackend {
	case config.BackendPostgres:
		listener := pgstore.NewListener(stores.pool, hub, logger, collections...)
		components = append(components, component{name: "postgres_listener", run: listener.Run})
	case config.BackendRedis:
		rdb, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sub := feed.NewRedisSubscriber(rdb, cfg.RedisPrefix, hub, logger, collections...)
		components = append(components, component{name: "redis_subscriber", run: sub.Run})
	}

	if cfg.ClickhouseDSN != "" {
		conn, err := chstore.Open(ctx, cfg.ClickhouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		defer conn.Close()
		volume := chstore.NewVolumeStore(conn, logger)
		stores.session.Volume = volume
		components = append(components, component{
			name: "volume_mirror",
			run: func(ctx context.Context) error {
				return runMirror(ctx, volume, hub, stores.session.Transactions.GetByID, logger)
			},
		})
		logger.Info("volume aggregates served from clickhouse")
	}

	serverOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics, nil),
	}

	var provider watcher.Provider
	if cfg.LedgerEnabled() {
		pool, err := solana.NewEndpointPool(cfg.Endpoints())
		if err != nil {
			return err
		}
		factory := newWatcherFactory(cfg, pool, logger, metrics)
		if cfg.Watcher.Shared {
			shared := watcher.NewHub(factory, 0, logger)
			defer shared.Close()
			provider = shared
			serverOpts = append(serverOpts, gateway.WithWatcherCounter(shared))
		} else {
			provider = watcher.NewPerConnection(factory)
		}
		logger.Info("ledger watchers enabled",
			zap.Int("endpoints", pool.Len()),
			zap.Bool("shared", cfg.Watcher.Shared),
		)
	}

	manager := session.NewManager(stores.session, hub, provider, session.Config{
		MaxSubscriptions: cfg.Session.MaxSubscriptions,
		TargetAccount:    cfg.Ledger.TargetAccount,
		Backend:          cfg.StorageBackend,
	}, logger, metrics)

	server := gateway.NewServer(gateway.Config{
		OutboundBuffer: cfg.Session.OutboundBuffer,
		WriteTimeout:   cfg.Session.WriteTimeout,
		PongTimeout:    cfg.Session.PongTimeout,
	}, manager, serverOpts...)

	components = append(components, component{
		name: "gateway",
		run:  func(ctx context.Context) error { return server.Run(ctx, cfg.Listen) },
	})

	logger.Info("starting gateway",
		zap.String("listen", cfg.Listen),
		zap.String("storage", cfg.StorageBackend),
		zap.String("feed", cfg.FeedBackend),
	)
	return runComponents(ctx, logger, components...)
}

// backendStores holds the stores a command runs on.
type backendStores struct {
	session session.Stores
	// pool is set for storage.backend=postgres.
	pool *pgstore.Pool
}

// createStores builds the record stores of the configured backend.
func createStores(ctx context.Context, cfg config.Config, pub feed.Publisher, logger *zap.Logger) (*backendStores, func(), error) {
	if cfg.StorageBackend == config.BackendMemory {
		logger.Info("using in-memory stores")
		txs := memory.NewTransactionStore(pub)
		return &backendStores{
			session: session.Stores{
				Tokens:       memory.NewTokenStore(pub),
				Transactions: txs,
				Volume:       txs,
			},
		}, func() {}, nil
	}

	pool, err := openPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to postgres")

	txs := pgstore.NewTransactionStore(pool)
	return &backendStores{
		session: session.Stores{
			Tokens:       pgstore.NewTokenStore(pool),
			Transactions: txs,
			Volume:       txs,
		},
		pool: pool,
	}, pool.Close, nil
}

func openPostgres(ctx context.Context, dsn string) (*pgstore.Pool, error) {
	pool, err := pgstore.NewPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}
	return pool, nil
}

func newRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// newWatcherFactory builds watchers that each own a copy of pool.
func newWatcherFactory(cfg config.Config, pool *solana.EndpointPool, logger *zap.Logger, metrics *observability.Metrics) watcher.Factory {
	wcfg := watcher.Config{
		Commitment:    cfg.Ledger.Commitment,
		MaxRetries:    cfg.Watcher.MaxRetries,
		BaseDelay:     cfg.Watcher.BaseDelay,
		MaxDelay:      cfg.Watcher.MaxDelay,
		DetailTimeout: cfg.Watcher.DetailTimeout,
		DrainInterval: cfg.Watcher.DrainInterval,
		DrainBatch:    cfg.Watcher.DrainBatch,
		DrainPacing:   cfg.Watcher.DrainPacing,
	}
	return func(target string) (*watcher.Watcher, error) {
		c := wcfg
		c.TargetAccount = target
		return watcher.New(c, pool.Clone(),
			watcher.WithLogger(logger),
			watcher.WithMetrics(metrics),
		)
	}
}

// runMirror keeps the volume mirror fed from the transactions collection,
// reopening the feed after it falls behind.
func runMirror(ctx context.Context, volume *chstore.VolumeStore, source feed.Source, lookup chstore.TransactionLookup, logger *zap.Logger) error {
	for {
		f, err := source.Open(ctx, domain.CollectionTransactions)
		if err != nil {
			return fmt.Errorf("open mirror feed: %w", err)
		}
		err = volume.Mirror(ctx, f, lookup)
		f.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, feed.ErrSlowConsumer) {
			return err
		}

		logger.Warn("volume mirror fell behind, reopening feed", zap.Duration("delay", mirrorRetryDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(mirrorRetryDelay):
		}
	}
}
