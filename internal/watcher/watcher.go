// Package watcher maintains a resilient ledger subscription for one target
// account and turns the transactions it sees into domain events.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/metadata"
	"solana-feed-gateway/internal/observability"
	"solana-feed-gateway/internal/solana"
)

var (
	// ErrWatcherFailed is delivered on Fatal when reconnect attempts are exhausted.
	ErrWatcherFailed = errors.New("watcher failed")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("watcher stopped")
)

// Default drain and detail-fetch policy.
const (
	DefaultDetailTimeout = 10 * time.Second
	DefaultDrainInterval = 5 * time.Second
	DefaultDrainBatch    = 5
	DefaultDrainPacing   = 1 * time.Second
	DefaultEventBuffer   = 256

	unsubscribeTimeout = 2 * time.Second
)

// Config configures a Watcher.
type Config struct {
	TargetAccount string
	Commitment    string

	// MaxRetries bounds reconnect attempts and rate-limit retries per operation.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	DetailTimeout time.Duration
	DrainInterval time.Duration
	DrainBatch    int
	DrainPacing   time.Duration
	EventBuffer   int
}

func (c *Config) applyDefaults() {
	if c.Commitment == "" {
		c.Commitment = solana.CommitmentConfirmed
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = solana.DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = solana.DefaultRetryDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = solana.DefaultMaxDelay
	}
	if c.DetailTimeout <= 0 {
		c.DetailTimeout = DefaultDetailTimeout
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = DefaultDrainBatch
	}
	if c.DrainPacing < 0 {
		c.DrainPacing = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
}

// MetadataResolver resolves token metadata for a mint. A nil result with a
// nil error means the mint has no metadata.
type MetadataResolver interface {
	Resolve(ctx context.Context, mint string) (*domain.Metadata, error)
}

// ResolverFactory builds the resolver of one watcher, wired to that
// watcher's current endpoint and endpoint switching.
type ResolverFactory func(client metadata.ClientFunc, switcher metadata.Switcher) MetadataResolver

// Option configures a Watcher.
type Option func(*Watcher)

// WithDialer sets the stream dialer.
func WithDialer(d solana.StreamDialer) Option {
	return func(w *Watcher) {
		w.dial = d
	}
}

// WithRPCFactory sets how HTTP RPC clients are built for an endpoint.
func WithRPCFactory(f func(address string) solana.RPCClient) Option {
	return func(w *Watcher) {
		w.newRPC = f
	}
}

// WithResolverFactory sets the metadata resolver factory.
func WithResolverFactory(f ResolverFactory) Option {
	return func(w *Watcher) {
		w.newResolver = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watcher) {
		w.metrics = m
	}
}

// Watcher owns one endpoint pool and one stream. A single run-loop
// goroutine writes the WatcherState and replaces the transport; resolvers
// and the drain pass run on worker goroutines and request endpoint
// switches through switchReq.
type Watcher struct {
	cfg         Config
	pool        *solana.EndpointPool
	dial        solana.StreamDialer
	newRPC      func(address string) solana.RPCClient
	newResolver ResolverFactory
	resolver    MetadataResolver
	extractor   *Extractor
	dedup       *Deduplicator
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu      sync.Mutex
	state   WatcherState
	stream  solana.Stream
	rpc     solana.RPCClient
	cancel  context.CancelFunc
	stopped bool

	switchReq chan switchRequest
	events    chan domain.Event
	fatal     chan error
	done      chan struct{}

	workers  sync.WaitGroup
	draining atomic.Bool
	stopOnce sync.Once
}

type switchRequest struct {
	generation int64
	reason     error
	reply      chan error
}

// New creates a Watcher over pool. The pool must not be shared with
// another watcher; use pool.Clone().
func New(cfg Config, pool *solana.EndpointPool, opts ...Option) (*Watcher, error) {
	if cfg.TargetAccount == "" {
		return nil, errors.New("watcher: target account is required")
	}
	if pool == nil || pool.Len() == 0 {
		return nil, errors.New("watcher: endpoint pool is empty")
	}
	cfg.applyDefaults()

	w := &Watcher{
		cfg:       cfg,
		pool:      pool,
		dial:      solana.DialWS,
		extractor: NewExtractor(cfg.TargetAccount),
		dedup:     NewDeduplicator(),
		logger:    zap.NewNop(),
		state:     newWatcherState(cfg.TargetAccount),
		switchReq: make(chan switchRequest),
		events:    make(chan domain.Event, cfg.EventBuffer),
		fatal:     make(chan error, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("watcher").With(zap.String("target", cfg.TargetAccount))

	if w.newRPC == nil {
		w.newRPC = func(address string) solana.RPCClient {
			return solana.NewHTTPClient(address, solana.WithMaxRetries(0))
		}
	}
	if w.newResolver == nil {
		logger, metrics := w.logger, w.metrics
		w.newResolver = func(client metadata.ClientFunc, sw metadata.Switcher) MetadataResolver {
			return metadata.NewResolver(client, sw,
				metadata.WithRetryPolicy(cfg.MaxRetries, cfg.BaseDelay, cfg.MaxDelay),
				metadata.WithLogger(logger),
				metadata.WithMetrics(metrics),
			)
		}
	}
	w.rpc = w.newRPC(pool.Current().RPCAddress)
	w.resolver = w.newResolver(w.RPC, w)
	return w, nil
}

// Events delivers domain events. It is closed when the watcher stops or fails.
func (w *Watcher) Events() <-chan domain.Event {
	return w.events
}

// Fatal receives at most one error wrapping ErrWatcherFailed.
func (w *Watcher) Fatal() <-chan error {
	return w.fatal
}

// Done is closed once all watcher resources are released.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// TargetAccount returns the watched account.
func (w *Watcher) TargetAccount() string {
	return w.cfg.TargetAccount
}

// State returns a snapshot of the watcher state.
func (w *Watcher) State() WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.snapshot()
}

// RPC returns the HTTP RPC client of the current endpoint.
func (w *Watcher) RPC() solana.RPCClient {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rpc
}

// Start connects and registers the program and logs subscriptions. It
// returns once the watcher is Subscribed, has failed, or ctx is done.
// Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.cancel != nil {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	w.metrics.WatcherStarted()
	ready := make(chan error, 1)
	go w.run(runCtx, ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop unsubscribes best-effort, closes the transport and closes Events.
// It is safe to call more than once and from any goroutine.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		cancel := w.cancel
		w.mu.Unlock()

		if cancel == nil {
			close(w.events)
			close(w.done)
			return
		}
		cancel()
		<-w.done
	})
}

// SwitchEndpoints rotates to the next endpoint and resubscribes. Concurrent
// requests made against the same transport generation are coalesced.
func (w *Watcher) SwitchEndpoints(ctx context.Context, reason error) error {
	return w.requestSwitch(ctx, w.generation(), reason)
}

func (w *Watcher) generation() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Generation
}

func (w *Watcher) current() (int64, solana.Stream) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Generation, w.stream
}

func (w *Watcher) requestSwitch(ctx context.Context, gen int64, reason error) error {
	req := switchRequest{generation: gen, reason: reason, reply: make(chan error, 1)}
	select {
	case w.switchReq <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setState applies fn to the state under the lock.
func (w *Watcher) setState(fn func(s *WatcherState) error) error {
	w.mu.Lock()
	before := w.state.State
	err := fn(&w.state)
	after := w.state.State
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("state transition rejected", zap.Error(err))
		return err
	}
	if before != after {
		w.logger.Info("state changed", zap.Stringer("from", before), zap.Stringer("to", after))
		w.metrics.RecordWatcherTransition(after.String())
	}
	return nil
}

// run is the single writer of the watcher state and transport.
func (w *Watcher) run(ctx context.Context, ready chan<- error) {
	workCtx, cancelWork := context.WithCancel(ctx)
	var fatalErr error
	defer func() {
		cancelWork()
		w.shutdown(fatalErr)
	}()

	w.setState(func(s *WatcherState) error { return s.transition(StateConnecting) })
	if err := w.establish(ctx); err != nil {
		if fatalErr = w.recover(ctx, err); fatalErr != nil {
			ready <- fatalErr
			return
		}
	}
	if ctx.Err() != nil {
		ready <- ErrStopped
		return
	}
	ready <- nil

	ticker := time.NewTicker(w.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		_, stream := w.current()

		select {
		case <-ctx.Done():
			return

		case n := <-stream.Notifications():
			if err := w.handleNotification(ctx, workCtx, n); err != nil {
				if !errors.Is(err, ErrStopped) {
					fatalErr = err
				}
				return
			}

		case <-stream.Done():
			cause := stream.Err()
			if cause == nil {
				cause = solana.ErrTransportClosed
			}
			w.logger.Warn("stream closed", zap.Error(cause))
			if fatalErr = w.recover(ctx, cause); fatalErr != nil || ctx.Err() != nil {
				return
			}

		case req := <-w.switchReq:
			if req.generation != w.generation() {
				req.reply <- nil
				continue
			}
			err := w.switchEndpoints(ctx, req.reason)
			if err == nil && ctx.Err() != nil {
				err = ErrStopped
			}
			req.reply <- err
			if err != nil {
				if !errors.Is(err, ErrStopped) {
					fatalErr = err
				}
				return
			}

		case <-ticker.C:
			w.startDrain(workCtx)
		}
	}
}

// establish dials the current endpoint and registers program and logs
// subscriptions. On success the previous transport is closed and replaced.
func (w *Watcher) establish(ctx context.Context) error {
	slot := w.pool.Current()

	stream, err := w.dial(ctx, slot.StreamAddress)
	if err != nil {
		w.pool.MarkFailure()
		return fmt.Errorf("dial %s: %w", slot.StreamAddress, err)
	}

	subCtx, cancel := context.WithTimeout(ctx, w.cfg.DetailTimeout)
	defer cancel()

	programID, err := stream.Subscribe(subCtx, solana.MethodProgramSubscribe,
		solana.ProgramSubscribeParams(w.cfg.TargetAccount, w.cfg.Commitment))
	if err != nil {
		stream.Close()
		w.pool.MarkFailure()
		return fmt.Errorf("program subscribe: %w", err)
	}
	logsID, err := stream.Subscribe(subCtx, solana.MethodLogsSubscribe,
		solana.LogsSubscribeParams([]string{w.cfg.TargetAccount}, w.cfg.Commitment))
	if err != nil {
		stream.Close()
		w.pool.MarkFailure()
		return fmt.Errorf("logs subscribe: %w", err)
	}
	w.pool.MarkSuccess()

	w.mu.Lock()
	old := w.stream
	w.stream = stream
	w.rpc = w.newRPC(slot.RPCAddress)
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}

	w.logger.Info("subscribed",
		zap.String("endpoint", slot.StreamAddress),
		zap.Int64("program_sub", programID),
		zap.Int64("logs_sub", logsID))
	return w.setState(func(s *WatcherState) error { return s.subscribed(programID, logsID) })
}

// recover reopens the transport after cause. Rate limits rotate endpoints
// without consuming reconnect attempts; other failures back off on the
// same endpoint. It returns a fatal error once attempts are exhausted.
func (w *Watcher) recover(ctx context.Context, cause error) error {
	rateLimited := 0
	err := cause
	for {
		if ctx.Err() != nil {
			return nil
		}

		if solana.IsRateLimited(err) && rateLimited < w.cfg.MaxRetries {
			rateLimited++
			w.rotate("rate_limited")
			if serr := w.setState(func(s *WatcherState) error {
				_, terr := s.reconnecting()
				s.ReconnectAttempts--
				return terr
			}); serr != nil {
				return serr
			}
		} else {
			var attempts int
			if serr := w.setState(func(s *WatcherState) error {
				var terr error
				attempts, terr = s.reconnecting()
				return terr
			}); serr != nil {
				return serr
			}
			if attempts >= w.cfg.MaxRetries {
				w.setState(func(s *WatcherState) error { return s.transition(StateFailed) })
				return fmt.Errorf("%w: %d reconnect attempts: %v", ErrWatcherFailed, attempts, err)
			}

			delay := solana.BackoffDelay(w.cfg.BaseDelay, w.cfg.MaxDelay, attempts)
			w.logger.Warn("reconnecting",
				zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		if err = w.establish(ctx); err == nil {
			return nil
		}
	}
}

// switchEndpoints rotates the pool and reopens the transport. Only the
// program and logs subscriptions are restored; other signature
// subscriptions are dropped and left to the drain pass.
func (w *Watcher) switchEndpoints(ctx context.Context, reason error) error {
	w.logger.Warn("switching endpoints", zap.Error(reason))
	w.rotate("rate_limited")
	if err := w.setState(func(s *WatcherState) error {
		_, terr := s.reconnecting()
		s.ReconnectAttempts--
		return terr
	}); err != nil {
		return err
	}
	if err := w.establish(ctx); err != nil {
		return w.recover(ctx, err)
	}
	return nil
}

func (w *Watcher) rotate(reason string) {
	slot := w.pool.Rotate()
	w.metrics.RecordEndpointSwitch(reason)
	w.logger.Info("endpoint rotated", zap.String("endpoint", slot.StreamAddress), zap.String("reason", reason))
}

// handleNotification processes one notification. A returned error ends
// the run loop.
func (w *Watcher) handleNotification(ctx, workCtx context.Context, n solana.Notification) error {
	switch n.Method {
	case solana.NotificationLogs:
		v, err := n.DecodeLogs()
		if err != nil {
			w.logger.Debug("bad logs notification", zap.Error(err))
			return nil
		}
		if v.Err != nil {
			return nil
		}
		return w.onSignature(ctx, v.Signature)

	case solana.NotificationProgram:
		v, err := n.DecodeProgram()
		if err != nil {
			w.logger.Debug("bad program notification", zap.Error(err))
			return nil
		}
		// account updates carry no signature unless the provider annotates them
		return w.onSignature(ctx, v.Signature)

	case solana.NotificationSignature:
		var sig string
		var ok bool
		w.setState(func(s *WatcherState) error {
			sig, ok = s.untrackSignature(n.Subscription)
			return nil
		})
		if !ok || !w.dedup.Take(sig) {
			return nil
		}
		if v, err := n.DecodeSignature(); err == nil && v.Err != nil {
			w.logger.Debug("signature failed on chain", zap.String("signature", sig))
			return nil
		}
		w.workers.Add(1)
		go func() {
			defer w.workers.Done()
			w.resolve(workCtx, sig)
		}()
	}
	return nil
}

// onSignature queues a newly seen signature and subscribes to its
// confirmation. A rate-limited subscribe switches endpoints and is retried
// once on the new transport; any other failure leaves the signature pending
// for the drain pass. The returned error is fatal to the watcher.
func (w *Watcher) onSignature(ctx context.Context, sig string) error {
	if sig == "" {
		return nil
	}
	if !w.dedup.Offer(sig) {
		w.metrics.RecordSignature(true)
		return nil
	}
	w.metrics.RecordSignature(false)

	err := w.subscribeSignature(ctx, sig)
	if err == nil || !solana.IsRateLimited(err) {
		return nil
	}

	if serr := w.switchEndpoints(ctx, err); serr != nil {
		return serr
	}
	if ctx.Err() != nil {
		return ErrStopped
	}
	w.subscribeSignature(ctx, sig)
	return nil
}

// subscribeSignature registers a signatureSubscribe on the current stream.
func (w *Watcher) subscribeSignature(ctx context.Context, sig string) error {
	_, stream := w.current()
	subCtx, cancel := context.WithTimeout(ctx, w.cfg.DetailTimeout)
	defer cancel()

	subID, err := stream.Subscribe(subCtx, solana.MethodSignatureSubscribe,
		solana.SignatureSubscribeParams(sig, w.cfg.Commitment))
	if err != nil {
		w.logger.Debug("signature subscribe failed", zap.String("signature", sig), zap.Error(err))
		return err
	}
	w.setState(func(s *WatcherState) error {
		s.trackSignature(subID, sig)
		return nil
	})
	return nil
}

func (w *Watcher) startDrain(ctx context.Context) {
	if !w.draining.CompareAndSwap(false, true) {
		return
	}
	w.workers.Add(1)
	go func() {
		defer w.workers.Done()
		defer w.draining.Store(false)
		w.drain(ctx)
	}()
}

// drain resolves up to DrainBatch pending signatures sequentially, pausing
// DrainPacing between items. It returns the number of signatures taken.
func (w *Watcher) drain(ctx context.Context) int {
	batch := w.dedup.TakeBatch(w.cfg.DrainBatch)
	for i, sig := range batch {
		if i > 0 && w.cfg.DrainPacing > 0 {
			select {
			case <-ctx.Done():
				return i
			case <-time.After(w.cfg.DrainPacing):
			}
		}
		w.resolve(ctx, sig)
	}
	return len(batch)
}

// resolve fetches detail for sig, extracts its event and emits it.
func (w *Watcher) resolve(ctx context.Context, sig string) {
	tx, err := w.fetchDetail(ctx, sig)
	switch {
	case errors.Is(err, solana.ErrRequestTimeout):
		w.metrics.RecordDetailFetch("timeout")
		w.logger.Warn("detail fetch timed out, dropping signature", zap.String("signature", sig))
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		w.metrics.RecordDetailFetch("error")
		w.logger.Warn("detail fetch failed, dropping signature", zap.String("signature", sig), zap.Error(err))
		return
	case tx == nil:
		w.metrics.RecordDetailFetch("not_found")
		return
	}
	w.metrics.RecordDetailFetch("ok")

	created, ok := w.extractor.Extract(tx)
	if !ok {
		return
	}

	ev := domain.NewTokenCreatedEvent(created)
	md, err := w.resolver.Resolve(ctx, created.Mint)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("metadata resolution failed", zap.String("mint", created.Mint), zap.Error(err))
	case md != nil:
		ev = domain.NewTokenMetadataEvent(created, md)
	}

	select {
	case w.events <- ev:
		w.metrics.RecordEvent(string(ev.Kind))
	case <-ctx.Done():
	}
}

// fetchDetail issues getTransaction over the stream with a one-shot
// timeout. Rate limits switch endpoints and retry, bounded by MaxRetries.
func (w *Watcher) fetchDetail(ctx context.Context, sig string) (*solana.Transaction, error) {
	for attempt := 1; ; attempt++ {
		gen, stream := w.current()
		if stream == nil {
			return nil, solana.ErrTransportClosed
		}

		callCtx, cancel := context.WithTimeout(ctx, w.cfg.DetailTimeout)
		var raw json.RawMessage
		start := time.Now()
		err := stream.Call(callCtx, "getTransaction",
			solana.GetTransactionParams(sig, w.cfg.Commitment), &raw)
		cancel()
		w.metrics.RecordRPCLatency("getTransaction", time.Since(start))

		if err == nil {
			return solana.DecodeTransaction(sig, raw)
		}
		if !solana.IsRateLimited(err) || attempt >= w.cfg.MaxRetries {
			return nil, err
		}
		if serr := w.requestSwitch(ctx, gen, err); serr != nil {
			return nil, serr
		}
	}
}

// shutdown releases every resource. Runs on the run-loop goroutine.
func (w *Watcher) shutdown(fatalErr error) {
	w.workers.Wait()

	w.mu.Lock()
	stream := w.stream
	w.stream = nil
	subs := w.state.snapshot()
	w.mu.Unlock()

	if stream != nil {
		if fatalErr == nil {
			w.unsubscribeAll(stream, subs)
		}
		stream.Close()
	}

	w.setState(func(s *WatcherState) error {
		s.cleared()
		if s.State == StateFailed {
			return nil
		}
		if fatalErr != nil {
			return s.transition(StateFailed)
		}
		return s.transition(StateDisconnected)
	})

	// fatal is buffered and filled before events closes
	if fatalErr != nil {
		w.logger.Error("watcher failed", zap.Error(fatalErr))
		w.fatal <- fatalErr
	}
	close(w.events)
	w.metrics.WatcherStopped()
	close(w.done)
}

// unsubscribeAll is best-effort; errors are ignored.
func (w *Watcher) unsubscribeAll(stream solana.Stream, s WatcherState) {
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()

	if s.ProgramSubID != 0 {
		stream.Unsubscribe(ctx, solana.MethodProgramUnsubscribe, s.ProgramSubID)
	}
	if s.LogsSubID != 0 {
		stream.Unsubscribe(ctx, solana.MethodLogsUnsubscribe, s.LogsSubID)
	}
	for id := range s.SignatureSubs {
		stream.Unsubscribe(ctx, solana.MethodSignatureUnsubscribe, id)
	}
}

var _ metadata.Switcher = (*Watcher)(nil)
