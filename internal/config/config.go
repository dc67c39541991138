package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"solana-feed-gateway/internal/solana"
)

// Backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Listen   string
	LogLevel string

	StorageBackend string
	PostgresDSN    string
	ClickhouseDSN  string

	FeedBackend string
	FeedBuffer  int
	RedisURL    string
	RedisPrefix string

	Ledger  LedgerConfig
	Watcher WatcherConfig
	Session SessionConfig
}

// LedgerConfig lists the node endpoints and the watched account.
// RPC[i] and WS[i] address the same node.
type LedgerConfig struct {
	RPC           []string
	WS            []string
	TargetAccount string
	Commitment    string
}

// WatcherConfig holds the watcher retry and drain policy.
type WatcherConfig struct {
	Shared        bool
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	DetailTimeout time.Duration
	DrainInterval time.Duration
	DrainBatch    int
	DrainPacing   time.Duration
}

// SessionConfig holds per-connection limits.
type SessionConfig struct {
	MaxSubscriptions int
	OutboundBuffer   int
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":            "listen",
	"log-level":         "log-level",
	"storage":           "storage.backend",
	"postgres-dsn":      "postgres.dsn",
	"clickhouse-dsn":    "clickhouse.dsn",
	"feed":              "feed.backend",
	"redis-url":         "redis.url",
	"redis-prefix":      "redis.prefix",
	"rpc":               "ledger.rpc",
	"ws":                "ledger.ws",
	"target-account":    "ledger.target-account",
	"shared-watcher":    "watcher.shared",
	"max-subscriptions": "session.max-subscriptions",
}

// Load merges config file, environment variables, and flags into Config.
// Environment variables use the GATEWAY prefix, e.g. GATEWAY_POSTGRES_DSN.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Listen:         v.GetString("listen"),
		LogLevel:       v.GetString("log-level"),
		StorageBackend: strings.ToLower(v.GetString("storage.backend")),
		PostgresDSN:    v.GetString("postgres.dsn"),
		ClickhouseDSN:  v.GetString("clickhouse.dsn"),
		FeedBackend:    strings.ToLower(v.GetString("feed.backend")),
		FeedBuffer:     v.GetInt("feed.buffer"),
		RedisURL:       v.GetString("redis.url"),
		RedisPrefix:    v.GetString("redis.prefix"),
		Ledger: LedgerConfig{
			RPC:           getStringSlice(v, "ledger.rpc"),
			WS:            getStringSlice(v, "ledger.ws"),
			TargetAccount: v.GetString("ledger.target-account"),
			Commitment:    v.GetString("ledger.commitment"),
		},
		Watcher: WatcherConfig{
			Shared:        v.GetBool("watcher.shared"),
			MaxRetries:    v.GetInt("watcher.max-retries"),
			BaseDelay:     v.GetDuration("watcher.base-delay"),
			MaxDelay:      v.GetDuration("watcher.max-delay"),
			DetailTimeout: v.GetDuration("watcher.detail-timeout"),
			DrainInterval: v.GetDuration("watcher.drain-interval"),
			DrainBatch:    v.GetInt("watcher.drain-batch"),
			DrainPacing:   v.GetDuration("watcher.drain-pacing"),
		},
		Session: SessionConfig{
			MaxSubscriptions: v.GetInt("session.max-subscriptions"),
			OutboundBuffer:   v.GetInt("session.outbound-buffer"),
			WriteTimeout:     v.GetDuration("session.write-timeout"),
			PongTimeout:      v.GetDuration("session.pong-timeout"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("log-level", "info")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("feed.backend", BackendMemory)
	v.SetDefault("feed.buffer", 1024)
	v.SetDefault("redis.prefix", "feed")
	v.SetDefault("ledger.commitment", solana.CommitmentConfirmed)
	v.SetDefault("watcher.shared", false)
	v.SetDefault("watcher.max-retries", solana.DefaultMaxRetries)
	v.SetDefault("watcher.base-delay", solana.DefaultRetryDelay)
	v.SetDefault("watcher.max-delay", solana.DefaultMaxDelay)
	v.SetDefault("watcher.detail-timeout", 10*time.Second)
	v.SetDefault("watcher.drain-interval", 5*time.Second)
	v.SetDefault("watcher.drain-batch", 5)
	v.SetDefault("watcher.drain-pacing", time.Second)
	v.SetDefault("session.max-subscriptions", 32)
	v.SetDefault("session.outbound-buffer", 256)
	v.SetDefault("session.write-timeout", 10*time.Second)
	v.SetDefault("session.pong-timeout", 60*time.Second)
}

// Endpoints pairs the configured RPC and websocket addresses.
func (c Config) Endpoints() []solana.EndpointSlot {
	n := len(c.Ledger.RPC)
	if len(c.Ledger.WS) < n {
		n = len(c.Ledger.WS)
	}
	slots := make([]solana.EndpointSlot, 0, n)
	for i := 0; i < n; i++ {
		slots = append(slots, solana.EndpointSlot{
			RPCAddress:    c.Ledger.RPC[i],
			StreamAddress: c.Ledger.WS[i],
		})
	}
	return slots
}

// LedgerEnabled reports whether ledger endpoints are configured.
func (c Config) LedgerEnabled() bool {
	return len(c.Ledger.RPC) > 0
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	return cleanStrings(strings.Split(input, ","))
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
