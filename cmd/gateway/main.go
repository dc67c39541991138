// Package main runs the realtime feed gateway:
//   - serve: websocket gateway over the record stores and ledger watchers
//   - relay: forwards Postgres change notifications to Redis pub/sub
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"solana-feed-gateway/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:          "gateway",
		Short:        "Solana realtime feed gateway",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve websocket subscriptions",
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("storage", config.BackendMemory, "record storage backend (memory, postgres)")
	serveCmd.Flags().String("postgres-dsn", "", "Postgres DSN")
	serveCmd.Flags().String("clickhouse-dsn", "", "ClickHouse DSN for volume aggregates (optional)")
	serveCmd.Flags().String("feed", config.BackendMemory, "change feed backend (memory, postgres, redis)")
	serveCmd.Flags().String("redis-url", "", "Redis URL for feed=redis")
	serveCmd.Flags().String("redis-prefix", "feed", "Redis channel prefix")
	serveCmd.Flags().StringSlice("rpc", nil, "Solana RPC endpoints (comma-separated)")
	serveCmd.Flags().StringSlice("ws", nil, "Solana websocket endpoints, paired with --rpc")
	serveCmd.Flags().String("target-account", "", "default account for ledgerAccountActivity")
	serveCmd.Flags().Bool("shared-watcher", false, "share one ledger watcher per account across connections")
	serveCmd.Flags().Int("max-subscriptions", 32, "subscriptions per connection, 0 disables the cap")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay Postgres change notifications to Redis",
		RunE:  runRelay,
	}

	relayCmd.Flags().String("postgres-dsn", "", "Postgres DSN")
	relayCmd.Flags().String("clickhouse-dsn", "", "ClickHouse DSN to mirror trades into (optional)")
	relayCmd.Flags().String("redis-url", "", "Redis URL")
	relayCmd.Flags().String("redis-prefix", "feed", "Redis channel prefix")
	relayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(relayCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	return config.Load(cfgFile, cmd.Flags())
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// component is a long-running part of a command.
type component struct {
	name string
	run  func(ctx context.Context) error
}

// runComponents runs every component until ctx is cancelled or one of them
// fails, then cancels the rest and waits for them. The first failure is
// returned.
func runComponents(ctx context.Context, logger *zap.Logger, components ...component) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(components))
	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func(c component) {
			defer wg.Done()
			err := c.run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component failed", zap.String("component", c.name), zap.Error(err))
				errCh <- err
				cancel()
				return
			}
			logger.Info("component stopped", zap.String("component", c.name))
		}(c)
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}
