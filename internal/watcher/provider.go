package watcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"solana-feed-gateway/internal/domain"
)

// Attachment is one consumer's view of a watcher.
type Attachment interface {
	// Events delivers domain events; closed when the attachment ends.
	Events() <-chan domain.Event
	// Fatal receives the watcher's fatal error, if any. The error is
	// available before Events is closed.
	Fatal() <-chan error
	// Close detaches. Safe to call more than once.
	Close() error
}

// Provider hands out watcher attachments for a target account.
type Provider interface {
	Attach(ctx context.Context, target string) (Attachment, error)
}

// Factory builds an unstarted watcher for target.
type Factory func(target string) (*Watcher, error)

// PerConnection starts a dedicated watcher for every attachment.
type PerConnection struct {
	factory Factory
}

// NewPerConnection creates a provider that never shares watchers.
func NewPerConnection(factory Factory) *PerConnection {
	return &PerConnection{factory: factory}
}

// Attach creates and starts a new watcher.
func (p *PerConnection) Attach(ctx context.Context, target string) (Attachment, error) {
	w, err := p.factory(target)
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	return &ownedAttachment{w: w}, nil
}

type ownedAttachment struct {
	w *Watcher
}

func (a *ownedAttachment) Events() <-chan domain.Event { return a.w.Events() }
func (a *ownedAttachment) Fatal() <-chan error         { return a.w.Fatal() }

func (a *ownedAttachment) Close() error {
	a.w.Stop()
	return nil
}

// Hub shares one watcher per target account among all attachments,
// reference counted. The watcher is stopped when the last attachment
// closes. Events are broadcast; a subscriber whose buffer is full misses
// the event rather than stalling the others.
type Hub struct {
	factory Factory
	buffer  int
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*hubEntry
}

type hubEntry struct {
	target  string
	watcher *Watcher
	subs    map[string]*hubAttachment
}

// NewHub creates a shared-watcher provider. buffer is the per-subscriber event buffer.
func NewHub(factory Factory, buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		factory: factory,
		buffer:  buffer,
		logger:  logger.Named("watcher_hub"),
		entries: make(map[string]*hubEntry),
	}
}

// Attach joins the running watcher for target, starting one if needed.
func (h *Hub) Attach(ctx context.Context, target string) (Attachment, error) {
	h.mu.Lock()
	entry, ok := h.entries[target]
	if !ok {
		w, err := h.factory(target)
		if err != nil {
			h.mu.Unlock()
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		// started under the lock so concurrent attachers share one watcher
		if err := w.Start(ctx); err != nil {
			h.mu.Unlock()
			w.Stop()
			return nil, fmt.Errorf("start watcher: %w", err)
		}
		entry = &hubEntry{target: target, watcher: w, subs: make(map[string]*hubAttachment)}
		h.entries[target] = entry
		go h.broadcast(entry)
	}

	a := &hubAttachment{
		id:     uuid.NewString(),
		hub:    h,
		entry:  entry,
		events: make(chan domain.Event, h.buffer),
		fatal:  make(chan error, 1),
	}
	entry.subs[a.id] = a
	h.mu.Unlock()
	return a, nil
}

// Watchers returns the number of running shared watchers.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Close stops every shared watcher and ends all attachments.
func (h *Hub) Close() {
	h.mu.Lock()
	entries := make([]*hubEntry, 0, len(h.entries))
	for _, e := range h.entries {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	for _, e := range entries {
		e.watcher.Stop()
	}
}

// broadcast fans watcher events out to subscribers until the watcher ends.
func (h *Hub) broadcast(e *hubEntry) {
	for ev := range e.watcher.Events() {
		h.mu.Lock()
		for _, a := range e.subs {
			select {
			case a.events <- ev:
			default:
				h.logger.Warn("subscriber buffer full, dropping event",
					zap.String("target", e.target), zap.String("attachment", a.id))
			}
		}
		h.mu.Unlock()
	}

	<-e.watcher.Done()
	var fatalErr error
	select {
	case fatalErr = <-e.watcher.Fatal():
	default:
	}

	h.mu.Lock()
	if h.entries[e.target] == e {
		delete(h.entries, e.target)
	}
	for id, a := range e.subs {
		if fatalErr != nil {
			a.fatal <- fatalErr
		}
		close(a.events)
		delete(e.subs, id)
	}
	h.mu.Unlock()
}

type hubAttachment struct {
	id     string
	hub    *Hub
	entry  *hubEntry
	events chan domain.Event
	fatal  chan error
	once   sync.Once
}

func (a *hubAttachment) Events() <-chan domain.Event { return a.events }
func (a *hubAttachment) Fatal() <-chan error         { return a.fatal }

func (a *hubAttachment) Close() error {
	a.once.Do(func() {
		h := a.hub
		h.mu.Lock()
		_, live := a.entry.subs[a.id]
		if live {
			delete(a.entry.subs, a.id)
			close(a.events)
		}
		last := live && len(a.entry.subs) == 0 && h.entries[a.entry.target] == a.entry
		if last {
			delete(h.entries, a.entry.target)
		}
		h.mu.Unlock()

		if last {
			a.entry.watcher.Stop()
		}
	})
	return nil
}
