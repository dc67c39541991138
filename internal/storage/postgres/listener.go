package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"solana-feed-gateway/internal/feed"
)

// DefaultListenRetryDelay is the pause before re-establishing a lost LISTEN connection.
const DefaultListenRetryDelay = 2 * time.Second

// NotifyChannel returns the NOTIFY channel of a collection.
func NotifyChannel(collection string) string {
	return collection + "_changes"
}

// Listener turns NOTIFY payloads of the record tables into changes and
// publishes them, usually into a feed.Hub. It holds one dedicated
// connection and re-establishes it after failures.
type Listener struct {
	pool        *Pool
	pub         feed.Publisher
	collections []string
	logger      *zap.Logger
	retryDelay  time.Duration

	ready     chan struct{}
	readyOnce sync.Once
}

// NewListener creates a listener for collections.
func NewListener(pool *Pool, pub feed.Publisher, logger *zap.Logger, collections ...string) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		pool:        pool,
		pub:         pub,
		collections: collections,
		logger:      logger.Named("pg_listener"),
		retryDelay:  DefaultListenRetryDelay,
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the first LISTEN succeeded.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Run listens until ctx is cancelled. Changes committed while the
// connection is being re-established are lost.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("listen connection lost, retrying", zap.Error(err), zap.Duration("delay", l.retryDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer func() {
		// a connection cancelled mid-wait is already closed; otherwise clean it up
		if !conn.Conn().IsClosed() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			conn.Exec(cleanupCtx, "UNLISTEN *")
			cancel()
		}
		conn.Release()
	}()

	for _, collection := range l.collections {
		channel := pgx.Identifier{NotifyChannel(collection)}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	l.readyOnce.Do(func() { close(l.ready) })
	l.logger.Info("listening for changes", zap.Strings("collections", l.collections))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		c, err := feed.DecodeChange([]byte(n.Payload))
		if err != nil {
			l.logger.Warn("invalid change payload", zap.String("channel", n.Channel), zap.Error(err))
			continue
		}
		l.pub.Publish(c)
	}
}
