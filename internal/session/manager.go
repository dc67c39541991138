package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
	"solana-feed-gateway/internal/observability"
	"solana-feed-gateway/internal/storage"
	"solana-feed-gateway/internal/watcher"
)

// DefaultMaxSubscriptions is the per-session subscription limit.
const DefaultMaxSubscriptions = 32

// Stores are the record stores subscriptions read from. Volume may be nil,
// in which case aggregateVolume subscriptions are rejected.
type Stores struct {
	Tokens       storage.TokenStore
	Transactions storage.TransactionStore
	Volume       storage.VolumeStore
}

// Config configures the Manager.
type Config struct {
	// MaxSubscriptions caps live subscriptions per session; <= 0 disables the cap.
	MaxSubscriptions int
	// TargetAccount is watched by ledgerAccountActivity subscriptions without an address.
	TargetAccount string
	// Backend labels snapshot query metrics.
	Backend string
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptions: DefaultMaxSubscriptions,
		Backend:          "memory",
	}
}

// Stats is a point-in-time view of live sessions.
type Stats struct {
	Sessions      int              `json:"sessions"`
	Subscriptions int              `json:"subscriptions"`
	ByDataType    map[DataType]int `json:"byDataType"`
}

// Manager owns every session's subscriptions: it answers subscribe requests
// with a snapshot, pumps relevant changes or ledger events to the client,
// and tears everything down when the connection goes away.
type Manager struct {
	stores   Stores
	changes  feed.Source
	watchers watcher.Provider
	cfg      Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	sessions mapset.Set[*Session]
}

// NewManager creates a Manager. watchers may be nil when ledger activity is not served.
func NewManager(stores Stores, changes feed.Source, watchers watcher.Provider, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Backend == "" {
		cfg.Backend = DefaultConfig().Backend
	}
	return &Manager{
		stores:   stores,
		changes:  changes,
		watchers: watchers,
		cfg:      cfg,
		logger:   logger.Named("session"),
		metrics:  metrics,
		now:      time.Now,
		sessions: mapset.NewSet[*Session](),
	}
}

// Open creates an empty session for a new connection. The session is torn
// down by OnDisconnect; cancelling ctx only discards pending results.
func (m *Manager) Open(ctx context.Context, sender Sender) *Session {
	sess := newSession(ctx, sender)
	m.sessions.Add(sess)
	m.metrics.SessionOpened()
	m.logger.Debug("session opened", zap.String("session", sess.id))
	return sess
}

// Handle processes one client frame. Errors are reported to this client only.
func (m *Manager) Handle(ctx context.Context, sess *Session, raw []byte) {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		m.reportError(sess, "", "", err)
		return
	}

	switch msg.Type {
	case TypePing:
		m.send(sess, ServerMessage{Type: TypePong, RequestID: msg.ID})

	case TypeSubscribe:
		req, err := msg.Request()
		if err != nil {
			m.reportError(sess, msg.DataType, msg.ID, err)
			return
		}
		if _, err := m.Subscribe(ctx, sess, req); err != nil {
			m.reportError(sess, msg.DataType, msg.ID, err)
		}

	case TypeUnsubscribe:
		if msg.SubscriptionID == "" {
			m.reportError(sess, "", msg.ID, fmt.Errorf("%w: missing subscriptionId", ErrMalformedMessage))
			return
		}
		if err := m.Unsubscribe(sess, msg.SubscriptionID); err != nil {
			m.reportError(sess, "", msg.ID, err)
		}
	}
}

// Subscribe opens the feed for req, sends the subscribed acknowledgement
// and the initial snapshot, then streams updates until the subscription
// or the session ends. The change feed is opened before the snapshot is
// read, so a change racing the snapshot is delivered rather than lost.
func (m *Manager) Subscribe(ctx context.Context, sess *Session, req Request) (string, error) {
	if err := sess.reserve(m.cfg.MaxSubscriptions); err != nil {
		return "", err
	}

	subCtx, cancel := context.WithCancel(sess.ctx)
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	sub := &Subscription{
		ID:       uuid.NewString(),
		DataType: req.DataType,
		Params:   req,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var (
		snapshot interface{}
		start    func()
		err      error
	)
	if req.DataType == DataLedgerAccountActivity {
		var att watcher.Attachment
		att, err = m.attachWatcher(subCtx, sub)
		if err == nil {
			sub.handle = att
			start = func() { m.pumpEvents(subCtx, sess, sub, att) }
		}
	} else {
		var f feed.Feed
		f, snapshot, err = m.openFeed(subCtx, sub)
		if err == nil {
			sub.handle = f
			start = func() { m.pumpChanges(subCtx, sess, sub, f) }
		}
	}
	if err != nil {
		cancel()
		sess.release()
		return "", err
	}

	if err := m.acknowledge(sess, sub, req.DataType.Collection() != "", snapshot); err != nil {
		sub.close()
		sess.release()
		return "", err
	}
	if err := sess.add(sub); err != nil {
		sub.close()
		return "", err
	}
	m.metrics.AddSubscriptions(string(sub.DataType), 1)
	go start()

	m.logger.Debug("subscribed",
		zap.String("session", sess.id),
		zap.String("subscription", sub.ID),
		zap.String("data_type", string(sub.DataType)),
		zap.String("address", sub.Params.Address))
	return sub.ID, nil
}

// acknowledge sends the subscribed message and, for record-store data, the snapshot.
func (m *Manager) acknowledge(sess *Session, sub *Subscription, withData bool, snapshot interface{}) error {
	ack := ServerMessage{
		Type:           TypeSubscribed,
		DataType:       sub.DataType,
		SubscriptionID: sub.ID,
		RequestID:      sub.Params.RequestID,
	}
	if err := m.send(sess, ack); err != nil {
		return err
	}
	if !withData {
		return nil
	}
	msg, err := dataMessage(TypeData, sub, snapshot)
	if err != nil {
		return err
	}
	return m.send(sess, msg)
}

// Unsubscribe closes the subscription with id and confirms it to the
// client. No update for the subscription is sent after the confirmation.
func (m *Manager) Unsubscribe(sess *Session, id string) error {
	sub, ok := sess.remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	sub.close()
	<-sub.done
	m.metrics.AddSubscriptions(string(sub.DataType), -1)

	return m.send(sess, ServerMessage{
		Type:           TypeUnsubscribed,
		DataType:       sub.DataType,
		SubscriptionID: sub.ID,
	})
}

// OnDisconnect tears down every subscription of sess. Close errors are
// ignored; it returns once all pump goroutines have exited and is safe to
// call more than once.
func (m *Manager) OnDisconnect(sess *Session) {
	subs, ok := sess.teardown()
	if !ok {
		return
	}
	for _, sub := range subs {
		sub.close()
		m.metrics.AddSubscriptions(string(sub.DataType), -1)
	}
	sess.wg.Wait()

	m.sessions.Remove(sess)
	m.metrics.SessionClosed()
	m.logger.Debug("session closed",
		zap.String("session", sess.id),
		zap.Int("subscriptions", len(subs)))
}

// Close tears down every live session.
func (m *Manager) Close() {
	for _, sess := range m.sessions.ToSlice() {
		m.OnDisconnect(sess)
	}
}

// Stats counts live sessions and subscriptions.
func (m *Manager) Stats() Stats {
	st := Stats{ByDataType: make(map[DataType]int)}
	m.sessions.Each(func(sess *Session) bool {
		st.Sessions++
		sess.mu.Lock()
		for _, sub := range sess.subs {
			st.Subscriptions++
			st.ByDataType[sub.DataType]++
		}
		sess.mu.Unlock()
		return false
	})
	return st
}

func (m *Manager) openFeed(ctx context.Context, sub *Subscription) (feed.Feed, interface{}, error) {
	if m.changes == nil {
		return nil, nil, fmt.Errorf("%w: no change source for %s", ErrUnknownDataType, sub.DataType)
	}
	collection := sub.DataType.Collection()
	f, err := m.changes.Open(ctx, collection)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s feed: %w", collection, err)
	}
	snapshot, err := m.snapshot(ctx, sub.Params)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, snapshot, nil
}

func (m *Manager) attachWatcher(ctx context.Context, sub *Subscription) (watcher.Attachment, error) {
	if m.watchers == nil {
		return nil, fmt.Errorf("%w: ledger activity is not enabled", ErrUnknownDataType)
	}
	target := sub.Params.Address
	if target == "" {
		target = m.cfg.TargetAccount
	}
	if target == "" {
		return nil, fmt.Errorf("%w: no target account configured", ErrInvalidParams)
	}
	sub.Params.Address = target

	att, err := m.watchers.Attach(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("attach watcher: %w", err)
	}
	return att, nil
}

// snapshot reads the initial data of a subscription.
func (m *Manager) snapshot(ctx context.Context, req Request) (interface{}, error) {
	start := time.Now()
	v, err := m.query(ctx, req)
	m.metrics.RecordDBQuery(m.cfg.Backend, "snapshot_"+string(req.DataType), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%s snapshot: %w", req.DataType, err)
	}
	return v, nil
}

func (m *Manager) query(ctx context.Context, req Request) (interface{}, error) {
	switch req.DataType {
	case DataRecords, DataRecordsByOwner:
		tokens, err := m.stores.Tokens.List(ctx, req.Tokens)
		if err != nil {
			return nil, err
		}
		if tokens == nil {
			tokens = []*domain.Token{}
		}
		return tokens, nil

	case DataRecordByAddress:
		t, err := m.stores.Tokens.GetByAddress(ctx, req.Address)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return t, nil

	case DataTransactionsByAddress, DataAllTransactions:
		q := storage.TransactionQuery{
			Since: req.TimeRange.Since(m.now()),
			Limit: req.Limit,
		}
		if req.DataType == DataTransactionsByAddress {
			q.Address = req.Address
		}
		txs, err := m.stores.Transactions.List(ctx, q)
		if err != nil {
			return nil, err
		}
		if txs == nil {
			txs = []*domain.Transaction{}
		}
		return txs, nil

	case DataAggregateVolume:
		agg, err := m.volume(ctx, req)
		if err != nil {
			return nil, err
		}
		return agg, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDataType, req.DataType)
}

func (m *Manager) volume(ctx context.Context, req Request) (*domain.VolumeAggregate, error) {
	if m.stores.Volume == nil {
		return nil, fmt.Errorf("%w: volume store not configured", ErrUnknownDataType)
	}
	return m.stores.Volume.Volume(ctx, req.Address, req.TimeRange, m.now())
}

// pumpChanges forwards relevant changes of f until ctx is done or f ends.
// Insert and delete changes are evaluated from their payload in order.
// Updates, and inserts whose document was dropped from an oversized
// notification, need a point lookup and are resolved on their own
// goroutine, so they may be forwarded out of order with respect to the
// others.
func (m *Manager) pumpChanges(ctx context.Context, sess *Session, sub *Subscription, f feed.Feed) {
	defer sess.wg.Done()
	defer close(sub.done)
	var lookups sync.WaitGroup
	defer lookups.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-f.Changes():
			if !ok {
				if err := f.Err(); err != nil && ctx.Err() == nil {
					m.endSubscription(sess, sub, fmt.Errorf("%s feed ended: %w", sub.DataType.Collection(), err))
				}
				return
			}
			if c.Op != feed.OpDelete && !c.HasDocument() {
				lookups.Add(1)
				go func(c feed.Change) {
					defer lookups.Done()
					m.forwardLookup(ctx, sess, sub, c)
				}(c)
				continue
			}
			m.forward(ctx, sess, sub, c)
		}
	}
}

// forwardLookup looks up the changed record and forwards it if relevant.
// A record deleted in the meantime is not forwarded.
func (m *Manager) forwardLookup(ctx context.Context, sess *Session, sub *Subscription, c feed.Change) {
	doc, err := m.lookup(ctx, c)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("change lookup failed",
				zap.String("op", string(c.Op)),
				zap.String("session", sess.id),
				zap.String("collection", c.Collection),
				zap.String("id", c.ID),
				zap.Error(err))
		}
		m.metrics.RecordChange(string(sub.DataType), false)
		return
	}
	c.Document = doc
	m.forward(ctx, sess, sub, c)
}

func (m *Manager) lookup(ctx context.Context, c feed.Change) (json.RawMessage, error) {
	var (
		doc interface{}
		err error
	)
	start := time.Now()
	switch c.Collection {
	case domain.CollectionTokens:
		doc, err = m.stores.Tokens.GetByAddress(ctx, c.ID)
	case domain.CollectionTransactions:
		doc, err = m.stores.Transactions.GetByID(ctx, c.ID)
	default:
		return nil, fmt.Errorf("unknown collection %q", c.Collection)
	}
	m.metrics.RecordDBQuery(m.cfg.Backend, "lookup_"+c.Collection, time.Since(start), ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// forward sends c, or the recomputed aggregate, when it is relevant to sub.
func (m *Manager) forward(ctx context.Context, sess *Session, sub *Subscription, c feed.Change) {
	relevant := m.relevant(sub, c)
	m.metrics.RecordChange(string(sub.DataType), relevant)
	if !relevant || ctx.Err() != nil {
		return
	}

	msg := ServerMessage{
		Type:           TypeUpdate,
		DataType:       sub.DataType,
		SubscriptionID: sub.ID,
		Change:         &c,
	}
	if sub.DataType == DataAggregateVolume {
		agg, err := m.volume(ctx, sub.Params)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("recompute volume failed",
					zap.String("session", sess.id),
					zap.String("token", sub.Params.Address),
					zap.Error(err))
			}
			return
		}
		if msg, err = dataMessage(TypeUpdate, sub, agg); err != nil {
			m.logger.Error("encode volume update", zap.Error(err))
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	m.send(sess, msg)
}

// pumpEvents forwards watcher events verbatim until ctx is done or the
// watcher ends. A failed watcher ends the subscription with an error.
func (m *Manager) pumpEvents(ctx context.Context, sess *Session, sub *Subscription, att watcher.Attachment) {
	defer sess.wg.Done()
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-att.Events():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				var err error
				select {
				case err = <-att.Fatal():
				default:
					err = errors.New("ledger watcher stopped")
				}
				m.endSubscription(sess, sub, err)
				return
			}
			msg, err := dataMessage(TypeUpdate, sub, ev)
			if err != nil {
				m.logger.Error("encode ledger event", zap.Error(err))
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.send(sess, msg)
		}
	}
}

// endSubscription removes sub after its source failed and tells the client.
// Runs on the subscription's pump goroutine.
func (m *Manager) endSubscription(sess *Session, sub *Subscription, cause error) {
	if _, ok := sess.remove(sub.ID); !ok {
		return
	}
	sub.close()
	m.metrics.AddSubscriptions(string(sub.DataType), -1)

	m.logger.Warn("subscription ended",
		zap.String("session", sess.id),
		zap.String("subscription", sub.ID),
		zap.String("data_type", string(sub.DataType)),
		zap.Error(cause))
	m.metrics.RecordClientError("source_failed")
	msg := ErrorMessage(sub.DataType, sub.Params.RequestID, cause)
	msg.SubscriptionID = sub.ID
	m.send(sess, msg)
}

func (m *Manager) reportError(sess *Session, dataType DataType, requestID string, err error) {
	if errors.Is(err, ErrSessionClosed) {
		return
	}
	m.metrics.RecordClientError(errorKind(err))
	m.logger.Debug("client request failed",
		zap.String("session", sess.id),
		zap.String("data_type", string(dataType)),
		zap.Error(err))
	m.send(sess, ErrorMessage(dataType, requestID, err))
}

func (m *Manager) send(sess *Session, msg ServerMessage) error {
	if err := sess.send(msg); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			m.logger.Debug("send failed",
				zap.String("session", sess.id),
				zap.String("type", msg.Type),
				zap.Error(err))
		}
		return err
	}
	m.metrics.RecordMessageSent(msg.Type)
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
