package config

import (
	"errors"
	"fmt"
)

// Validate checks the gateway configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres.dsn is required for storage.backend=postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.StorageBackend)
	}

	// memory stores only publish their own writes; postgres writes arrive via NOTIFY or redis
	switch c.FeedBackend {
	case BackendMemory:
		if c.StorageBackend != BackendMemory {
			return errors.New("feed.backend=memory requires storage.backend=memory")
		}
	case BackendPostgres:
		if c.StorageBackend != BackendPostgres {
			return errors.New("feed.backend=postgres requires storage.backend=postgres")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("redis.url is required for feed.backend=redis")
		}
	default:
		return fmt.Errorf("feed.backend must be memory, postgres or redis, got %q", c.FeedBackend)
	}
	if c.FeedBuffer < 1 {
		return errors.New("feed.buffer must be >= 1")
	}

	if err := c.Ledger.validate(); err != nil {
		return err
	}
	if c.LedgerEnabled() {
		if err := c.Watcher.validate(); err != nil {
			return err
		}
	}
	return c.Session.validate()
}

// ValidateRelay checks the configuration of the relay command.
func (c *Config) ValidateRelay() error {
	if c.PostgresDSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.RedisURL == "" {
		return errors.New("redis.url is required")
	}
	if c.RedisPrefix == "" {
		return errors.New("redis.prefix is required")
	}
	if c.FeedBuffer < 1 {
		return errors.New("feed.buffer must be >= 1")
	}
	return nil
}

func (l *LedgerConfig) validate() error {
	if len(l.RPC) != len(l.WS) {
		return fmt.Errorf("ledger.rpc (%d) and ledger.ws (%d) must list the same nodes", len(l.RPC), len(l.WS))
	}
	return nil
}

func (w *WatcherConfig) validate() error {
	if w.MaxRetries < 1 {
		return errors.New("watcher.max-retries must be >= 1")
	}
	if w.BaseDelay <= 0 {
		return errors.New("watcher.base-delay must be > 0")
	}
	if w.MaxDelay < w.BaseDelay {
		return fmt.Errorf("watcher.max-delay (%s) cannot be below watcher.base-delay (%s)", w.MaxDelay, w.BaseDelay)
	}
	if w.DetailTimeout <= 0 {
		return errors.New("watcher.detail-timeout must be > 0")
	}
	if w.DrainInterval <= 0 {
		return errors.New("watcher.drain-interval must be > 0")
	}
	if w.DrainBatch < 1 {
		return errors.New("watcher.drain-batch must be >= 1")
	}
	if w.DrainPacing < 0 {
		return errors.New("watcher.drain-pacing must be >= 0")
	}
	return nil
}

func (s *SessionConfig) validate() error {
	if s.MaxSubscriptions < 0 {
		return errors.New("session.max-subscriptions must be >= 0")
	}
	if s.OutboundBuffer < 1 {
		return errors.New("session.outbound-buffer must be >= 1")
	}
	if s.WriteTimeout <= 0 {
		return errors.New("session.write-timeout must be > 0")
	}
	if s.PongTimeout <= 0 {
		return errors.New("session.pong-timeout must be > 0")
	}
	return nil
}
