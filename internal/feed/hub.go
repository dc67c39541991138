package feed

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when opening a feed on a closed source.
	ErrClosed = errors.New("change source closed")

	// ErrSlowConsumer ends a feed whose buffer overflowed.
	ErrSlowConsumer = errors.New("change feed consumer too slow")
)

// DefaultBuffer is the per-feed change buffer.
const DefaultBuffer = 1024

// Feed is a live stream of changes on one collection.
type Feed interface {
	// Changes is closed when the feed ends.
	Changes() <-chan Change
	// Err reports why the feed ended; nil after Close.
	Err() error
	// Close ends the feed. Safe to call more than once.
	Close() error
}

// Source opens change feeds.
type Source interface {
	Open(ctx context.Context, collection string) (Feed, error)
}

// Publisher accepts changes produced by a store or a backend listener.
type Publisher interface {
	Publish(c Change)
}

// Hub fans changes out to every open feed of their collection. Publish
// never blocks: a feed that cannot keep up is ended with ErrSlowConsumer,
// so consumers never see a gap in the order.
type Hub struct {
	buffer int
	logger *zap.Logger

	mu     sync.Mutex
	feeds  map[string]map[*hubFeed]struct{}
	closed bool
}

// NewHub creates an empty Hub.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		buffer: buffer,
		logger: logger.Named("feed_hub"),
		feeds:  make(map[string]map[*hubFeed]struct{}),
	}
}

// Open registers a feed on collection.
func (h *Hub) Open(_ context.Context, collection string) (Feed, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	f := &hubFeed{
		hub:        h,
		collection: collection,
		ch:         make(chan Change, h.buffer),
	}
	set, ok := h.feeds[collection]
	if !ok {
		set = make(map[*hubFeed]struct{})
		h.feeds[collection] = set
	}
	set[f] = struct{}{}
	return f, nil
}

// Publish delivers c to every feed of its collection.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.feeds[c.Collection] {
		select {
		case f.ch <- c:
		default:
			h.logger.Warn("change feed overflow, closing feed",
				zap.String("collection", c.Collection), zap.Int("buffer", h.buffer))
			h.removeLocked(f, ErrSlowConsumer)
		}
	}
}

// Feeds returns the number of open feeds on collection.
func (h *Hub) Feeds(collection string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds[collection])
}

// Close ends every feed and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.feeds {
		for f := range set {
			h.removeLocked(f, ErrClosed)
		}
	}
}

func (h *Hub) removeLocked(f *hubFeed, err error) {
	set := h.feeds[f.collection]
	if _, ok := set[f]; !ok {
		return
	}
	delete(set, f)
	if len(set) == 0 {
		delete(h.feeds, f.collection)
	}
	f.err = err
	close(f.ch)
}

type hubFeed struct {
	hub        *Hub
	collection string
	ch         chan Change
	err        error // guarded by hub.mu
}

func (f *hubFeed) Changes() <-chan Change { return f.ch }

func (f *hubFeed) Err() error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	return f.err
}

func (f *hubFeed) Close() error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	f.hub.removeLocked(f, nil)
	return nil
}

var _ Source = (*Hub)(nil)
var _ Publisher = (*Hub)(nil)
