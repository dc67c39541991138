package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/metadata"
	"solana-feed-gateway/internal/solana"
)

// fakeNet plays the role of a set of ledger nodes reachable by stream address.
type fakeNet struct {
	mu       sync.Mutex
	streams  []*fakeStream
	dials    []string
	dialErrs []error
	txs      map[string]json.RawMessage
	// callHook may intercept getTransaction; handled=false falls through to txs.
	callHook func(ctx context.Context, addr, sig string) (raw json.RawMessage, handled bool, err error)
	// subscribeHook may reject a subscription request.
	subscribeHook func(addr, method string) error
}

func newFakeNet() *fakeNet {
	return &fakeNet{txs: make(map[string]json.RawMessage)}
}

func (n *fakeNet) dial(_ context.Context, addr string) (solana.Stream, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dials = append(n.dials, addr)
	if len(n.dialErrs) > 0 {
		err := n.dialErrs[0]
		n.dialErrs = n.dialErrs[1:]
		return nil, err
	}
	s := &fakeStream{
		addr:   addr,
		net:    n,
		notifs: make(chan solana.Notification, 64),
		done:   make(chan struct{}),
	}
	n.streams = append(n.streams, s)
	return s, nil
}

func (n *fakeNet) setTx(sig string, raw json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.txs[sig] = raw
}

func (n *fakeNet) dialed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.dials...)
}

func (n *fakeNet) last() *fakeStream {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.streams) == 0 {
		return nil
	}
	return n.streams[len(n.streams)-1]
}

type callRecord struct {
	sig string
	at  time.Time
}

type fakeStream struct {
	addr string
	net  *fakeNet

	mu           sync.Mutex
	nextSub      int64
	subscribes   []string
	unsubscribes []string
	calls        []callRecord
	closed       bool

	notifs    chan solana.Notification
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func (s *fakeStream) Subscribe(_ context.Context, method string, _ []interface{}) (int64, error) {
	select {
	case <-s.done:
		return 0, solana.ErrTransportClosed
	default:
	}
	if hook := s.net.subscribeHook; hook != nil {
		if err := hook(s.addr, method); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	s.subscribes = append(s.subscribes, method)
	return s.nextSub, nil
}

func (s *fakeStream) Unsubscribe(_ context.Context, method string, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribes = append(s.unsubscribes, method)
	return nil
}

func (s *fakeStream) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if method != "getTransaction" {
		return fmt.Errorf("unexpected method %s", method)
	}
	sig, _ := params[0].(string)

	s.mu.Lock()
	s.calls = append(s.calls, callRecord{sig: sig, at: time.Now()})
	s.mu.Unlock()

	raw := json.RawMessage("null")
	var err error
	handled := false
	if hook := s.net.callHook; hook != nil {
		raw, handled, err = hook(ctx, s.addr, sig)
	}
	if !handled {
		s.net.mu.Lock()
		if tx, ok := s.net.txs[sig]; ok {
			raw = tx
		} else {
			raw = json.RawMessage("null")
		}
		s.net.mu.Unlock()
		err = nil
	}
	if err != nil {
		return err
	}
	if result != nil {
		return json.Unmarshal(raw, result)
	}
	return nil
}

func (s *fakeStream) Notifications() <-chan solana.Notification { return s.notifs }
func (s *fakeStream) Done() <-chan struct{}                     { return s.done }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// drop simulates a broken connection.
func (s *fakeStream) drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *fakeStream) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribes...)
}

func (s *fakeStream) unsubscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unsubscribes...)
}

func (s *fakeStream) callsFor(sig string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.sig == sig {
			n++
		}
	}
	return n
}

func (s *fakeStream) callLog() []callRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]callRecord(nil), s.calls...)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) countMethod(method string) int {
	n := 0
	for _, m := range s.methods() {
		if m == method {
			n++
		}
	}
	return n
}

func (s *fakeStream) push(t *testing.T, n solana.Notification) {
	select {
	case s.notifs <- n:
	case <-time.After(time.Second):
		t.Fatal("notification buffer full")
	}
}

func logsNotification(sig string) solana.Notification {
	v, _ := json.Marshal(solana.LogsValue{Signature: sig, Logs: []string{"Program log: hello"}})
	return solana.Notification{Method: solana.NotificationLogs, Subscription: 2, Value: v}
}

func programNotification(sig string) solana.Notification {
	v, _ := json.Marshal(map[string]interface{}{"pubkey": "Acc", "account": map[string]interface{}{}, "signature": sig})
	return solana.Notification{Method: solana.NotificationProgram, Subscription: 1, Value: v}
}

func signatureNotification(subID int64) solana.Notification {
	return solana.Notification{Method: solana.NotificationSignature, Subscription: subID, Value: json.RawMessage(`{"err":null}`)}
}

// mintTx builds a jsonParsed getTransaction result that initializes mint.
func mintTx(mint, payer string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"slot":      int64(42),
		"blockTime": int64(1700000000),
		"meta": map[string]interface{}{
			"err":         nil,
			"logMessages": []string{"Program log: Instruction: InitializeMint2"},
			"innerInstructions": []interface{}{
				map[string]interface{}{
					"index": 0,
					"instructions": []interface{}{
						map[string]interface{}{
							"program":   "spl-token",
							"programId": TokenProgramID,
							"parsed": map[string]interface{}{
								"type": "initializeMint2",
								"info": map[string]interface{}{"mint": mint, "decimals": 6},
							},
						},
					},
				},
			},
		},
		"transaction": map[string]interface{}{
			"message": map[string]interface{}{
				"accountKeys": []interface{}{
					map[string]interface{}{"pubkey": payer, "signer": true, "writable": true},
					map[string]interface{}{"pubkey": mint, "signer": true, "writable": true},
				},
				"instructions": []interface{}{},
			},
		},
	})
	return raw
}

type fakeResolver struct {
	mu    sync.Mutex
	md    *domain.Metadata
	err   error
	mints []string
}

func (r *fakeResolver) Resolve(_ context.Context, mint string) (*domain.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mints = append(r.mints, mint)
	return r.md, r.err
}

func testPool(t *testing.T, addrs ...string) *solana.EndpointPool {
	var slots []solana.EndpointSlot
	for _, a := range addrs {
		slots = append(slots, solana.EndpointSlot{RPCAddress: "http://" + a, StreamAddress: "ws://" + a})
	}
	pool, err := solana.NewEndpointPool(slots)
	require.NoError(t, err)
	return pool
}

func testConfig() Config {
	return Config{
		TargetAccount: "Target111",
		MaxRetries:    5,
		BaseDelay:     time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		DetailTimeout: time.Second,
		DrainInterval: time.Hour,
		DrainBatch:    5,
		DrainPacing:   time.Millisecond,
	}
}

func newTestWatcher(t *testing.T, net *fakeNet, cfg Config, res *fakeResolver, addrs ...string) *Watcher {
	if len(addrs) == 0 {
		addrs = []string{"a"}
	}
	if res == nil {
		res = &fakeResolver{}
	}
	w, err := New(cfg, testPool(t, addrs...),
		WithDialer(net.dial),
		WithRPCFactory(func(string) solana.RPCClient { return nil }),
		WithResolverFactory(func(metadata.ClientFunc, metadata.Switcher) MetadataResolver { return res }),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func waitEvent(t *testing.T, w *Watcher) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return domain.Event{}
}

func expectNoEvent(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(d):
	}
}

var errConnReset = errors.New("connection reset by peer")
