package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// DefaultRedisPrefix prefixes the pub/sub channel of every collection.
const DefaultRedisPrefix = "feed"

// RedisChannel returns the pub/sub channel carrying collection changes.
func RedisChannel(prefix, collection string) string {
	return prefix + ":" + collection
}

// EncodeMsgpack encodes c for redis transport.
func EncodeMsgpack(c Change) ([]byte, error) {
	return msgpack.Marshal(c)
}

// DecodeMsgpack decodes a redis payload.
func DecodeMsgpack(data []byte) (Change, error) {
	var c Change
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("decode msgpack change: %w", err)
	}
	return c, nil
}

// RedisSubscriber mirrors redis change channels into a Publisher, usually a Hub.
type RedisSubscriber struct {
	rdb         *redis.Client
	prefix      string
	collections []string
	pub         Publisher
	logger      *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisSubscriber creates a subscriber for collections.
func NewRedisSubscriber(rdb *redis.Client, prefix string, pub Publisher, logger *zap.Logger, collections ...string) *RedisSubscriber {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSubscriber{
		rdb:         rdb,
		prefix:      prefix,
		collections: collections,
		pub:         pub,
		logger:      logger.Named("redis_subscriber"),
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the channel subscription is confirmed.
func (s *RedisSubscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run receives changes until ctx is cancelled.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	channels := make([]string, 0, len(s.collections))
	for _, c := range s.collections {
		channels = append(channels, RedisChannel(s.prefix, c))
	}

	pubsub := s.rdb.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// wait for the subscribe confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %v: %w", channels, err)
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("subscribed to redis channels", zap.Strings("channels", channels))

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			c, err := DecodeMsgpack([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("invalid change payload", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			s.pub.Publish(c)
		}
	}
}

// Relay publishes every change of a Source into redis so that other
// gateway instances can serve it.
type Relay struct {
	source      Source
	rdb         *redis.Client
	prefix      string
	collections []string
	logger      *zap.Logger
}

// NewRelay creates a relay of collections from source to redis.
func NewRelay(source Source, rdb *redis.Client, prefix string, logger *zap.Logger, collections ...string) *Relay {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		source:      source,
		rdb:         rdb,
		prefix:      prefix,
		collections: collections,
		logger:      logger.Named("relay"),
	}
}

// Run relays until ctx is cancelled or a feed ends.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(r.collections))
	var wg sync.WaitGroup
	for _, collection := range r.collections {
		f, err := r.source.Open(ctx, collection)
		if err != nil {
			return fmt.Errorf("open %s feed: %w", collection, err)
		}
		wg.Add(1)
		go func(collection string, f Feed) {
			defer wg.Done()
			defer f.Close()
			errCh <- r.pump(ctx, collection, f)
		}(collection, f)
	}

	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errCh:
	}
	cancel()
	wg.Wait()
	return firstErr
}

func (r *Relay) pump(ctx context.Context, collection string, f Feed) error {
	channel := RedisChannel(r.prefix, collection)
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-f.Changes():
			if !ok {
				if err := f.Err(); err != nil {
					return fmt.Errorf("%s feed ended: %w", collection, err)
				}
				return fmt.Errorf("%s feed ended", collection)
			}
			payload, err := EncodeMsgpack(c)
			if err != nil {
				r.logger.Warn("encode change", zap.String("collection", collection), zap.Error(err))
				continue
			}
			if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("publish %s: %w", channel, err)
			}
			r.logger.Debug("relayed change",
				zap.String("channel", channel), zap.String("op", string(c.Op)), zap.String("id", c.ID))
		}
	}
}
