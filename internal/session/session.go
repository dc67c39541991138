package session

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Sender delivers server messages to one client connection. Send must be
// safe for concurrent use; every subscription pumps from its own goroutine.
type Sender interface {
	Send(msg ServerMessage) error
}

// Subscription is one live feed owned by a session. handle is the change
// feed or watcher attachment backing it; done is closed when its pump exits.
type Subscription struct {
	ID       string
	DataType DataType
	Params   Request

	handle io.Closer
	cancel context.CancelFunc
	done   chan struct{}
}

// close releases the backing feed or attachment. Close errors are ignored.
func (s *Subscription) close() {
	s.cancel()
	if s.handle != nil {
		_ = s.handle.Close()
	}
}

// Session is the set of subscriptions owned by one client connection.
// No subscription outlives its session: teardown cancels the session
// context first, so results arriving afterwards are discarded.
type Session struct {
	id     string
	sender Sender
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[string]*Subscription
	pending int
	closed  bool
	wg      sync.WaitGroup
}

func newSession(parent context.Context, sender Sender) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:     uuid.NewString(),
		sender: sender,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*Subscription),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Context is cancelled when the session is torn down.
func (s *Session) Context() context.Context { return s.ctx }

// Subscriptions returns the number of live subscriptions.
func (s *Session) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// SubscriptionIDs returns the ids of live subscriptions.
func (s *Session) SubscriptionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}

// send delivers msg unless the session is gone.
func (s *Session) send(msg ServerMessage) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return s.sender.Send(msg)
}

// reserve claims a subscription slot. limit <= 0 disables the check.
func (s *Session) reserve(limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if limit > 0 && len(s.subs)+s.pending >= limit {
		return ErrSubscriptionLimit
	}
	s.pending++
	return nil
}

// release returns a slot claimed by reserve that was never used.
func (s *Session) release() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

// add registers sub in a reserved slot and accounts for its pump goroutine.
func (s *Session) add(sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.closed {
		return ErrSessionClosed
	}
	s.subs[sub.ID] = sub
	s.wg.Add(1)
	return nil
}

// remove unregisters the subscription with id and returns it.
func (s *Session) remove(id string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	return sub, ok
}

// teardown marks the session closed and returns every subscription it held.
// It returns false when the session was already torn down.
func (s *Session) teardown() ([]*Subscription, bool) {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for id, sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, id)
	}
	return subs, true
}
