package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/solana"
)

func TestWatcher_StartSubscribesAndStop(t *testing.T) {
	net := newFakeNet()
	w := newTestWatcher(t, net, testConfig(), nil)

	require.NoError(t, w.Start(context.Background()))
	st := w.State()
	assert.Equal(t, StateSubscribed, st.State)
	assert.Equal(t, int64(1), st.ProgramSubID)
	assert.Equal(t, int64(2), st.LogsSubID)
	assert.Equal(t, int64(1), st.Generation)

	stream := net.last()
	assert.Equal(t, []string{solana.MethodProgramSubscribe, solana.MethodLogsSubscribe}, stream.methods())

	// second start is a no-op
	require.NoError(t, w.Start(context.Background()))
	assert.Len(t, net.dialed(), 1)

	w.Stop()
	assert.Equal(t, StateDisconnected, w.State().State)
	assert.ElementsMatch(t, []string{solana.MethodProgramUnsubscribe, solana.MethodLogsUnsubscribe}, stream.unsubscribed())
	assert.True(t, stream.isClosed())

	_, ok := <-w.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, w.Start(context.Background()), ErrStopped)
}

func TestWatcher_DedupAndConfirmation(t *testing.T) {
	net := newFakeNet()
	net.setTx("sigA", mintTx("MintA", "PayerA"))
	w := newTestWatcher(t, net, testConfig(), nil)
	require.NoError(t, w.Start(context.Background()))
	stream := net.last()

	stream.push(t, logsNotification("sigA"))
	stream.push(t, logsNotification("sigA"))
	stream.push(t, programNotification("sigA"))
	stream.push(t, programNotification(""))
	stream.push(t, logsNotification("sigB"))

	// notifications are handled in order, so sigB's subscription proves the rest were seen
	require.Eventually(t, func() bool {
		return stream.countMethod(solana.MethodSignatureSubscribe) == 2
	}, 2*time.Second, 5*time.Millisecond)

	st := w.State()
	require.Len(t, st.SignatureSubs, 2)
	assert.Equal(t, "sigA", st.SignatureSubs[3])
	assert.Equal(t, "sigB", st.SignatureSubs[4])

	stream.push(t, signatureNotification(3))
	ev := waitEvent(t, w)
	require.Equal(t, domain.EventTokenCreated, ev.Kind)
	assert.Equal(t, domain.TokenCreated{
		Account:   "Target111",
		Mint:      "MintA",
		Wallet:    "PayerA",
		Signature: "sigA",
		Timestamp: 1700000000,
	}, *ev.Created)

	// a repeated confirmation does not resolve again
	stream.push(t, signatureNotification(3))
	stream.push(t, logsNotification("sigA"))
	expectNoEvent(t, w, 100*time.Millisecond)
	assert.Equal(t, 1, stream.callsFor("sigA"))
	assert.Equal(t, 1, w.dedup.Pending())
}

func TestWatcher_EmitsMetadataEvent(t *testing.T) {
	net := newFakeNet()
	net.setTx("sigA", mintTx("MintA", "PayerA"))
	res := &fakeResolver{md: &domain.Metadata{
		OnChain: domain.OnChainMetadata{Mint: "MintA", Name: "Dog", Symbol: "DOG", URI: "https://x/dog.json"},
	}}
	w := newTestWatcher(t, net, testConfig(), res)
	require.NoError(t, w.Start(context.Background()))
	stream := net.last()

	stream.push(t, logsNotification("sigA"))
	require.Eventually(t, func() bool {
		return stream.countMethod(solana.MethodSignatureSubscribe) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stream.push(t, signatureNotification(3))

	ev := waitEvent(t, w)
	require.Equal(t, domain.EventTokenMetadata, ev.Kind)
	assert.Equal(t, "DOG", ev.Metadata.Symbol)
	assert.Equal(t, "PayerA", ev.Metadata.Wallet)
	assert.False(t, ev.Metadata.OffChainAvailable)
	assert.Equal(t, []string{"MintA"}, res.mints)
}

func TestWatcher_RateLimitSwitchesEndpoints(t *testing.T) {
	net := newFakeNet()
	net.setTx("sigA", mintTx("MintA", "PayerA"))
	net.callHook = func(_ context.Context, addr, sig string) (json.RawMessage, bool, error) {
		if addr == "ws://a" {
			return nil, true, &solana.RPCError{Code: 429, Message: "Too many requests"}
		}
		return nil, false, nil
	}
	w := newTestWatcher(t, net, testConfig(), nil, "a", "b")
	require.NoError(t, w.Start(context.Background()))
	first := net.last()

	first.push(t, logsNotification("sigA"))
	require.Eventually(t, func() bool {
		return first.countMethod(solana.MethodSignatureSubscribe) == 1
	}, 2*time.Second, 5*time.Millisecond)
	first.push(t, signatureNotification(3))

	ev := waitEvent(t, w)
	assert.Equal(t, "MintA", ev.Created.Mint)

	assert.Equal(t, []string{"ws://a", "ws://b"}, net.dialed())
	second := net.last()
	// only program and logs subscriptions are restored
	assert.Equal(t, []string{solana.MethodProgramSubscribe, solana.MethodLogsSubscribe}, second.methods())
	assert.True(t, first.isClosed())

	st := w.State()
	assert.Equal(t, StateSubscribed, st.State)
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Equal(t, int64(2), st.Generation)
	assert.Empty(t, st.SignatureSubs)
	assert.Equal(t, 1, w.pool.Index())
}

func TestWatcher_ReconnectsAfterDrop(t *testing.T) {
	net := newFakeNet()
	w := newTestWatcher(t, net, testConfig(), nil, "a", "b")
	require.NoError(t, w.Start(context.Background()))

	net.mu.Lock()
	net.dialErrs = []error{errConnReset}
	net.mu.Unlock()
	net.last().drop(errConnReset)

	require.Eventually(t, func() bool {
		return len(net.dialed()) == 3 && w.State().State == StateSubscribed
	}, 2*time.Second, 5*time.Millisecond)

	// transport errors retry the same endpoint
	assert.Equal(t, []string{"ws://a", "ws://a", "ws://a"}, net.dialed())
	st := w.State()
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Equal(t, int64(2), st.Generation)
}

func TestWatcher_FailsAfterMaxAttempts(t *testing.T) {
	net := newFakeNet()
	cfg := testConfig()
	cfg.MaxRetries = 3
	w := newTestWatcher(t, net, cfg, nil)
	require.NoError(t, w.Start(context.Background()))

	net.mu.Lock()
	net.dialErrs = []error{errConnReset, errConnReset, errConnReset, errConnReset}
	net.mu.Unlock()
	net.last().drop(errConnReset)

	select {
	case err := <-w.Fatal():
		assert.ErrorIs(t, err, ErrWatcherFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fatal error")
	}

	<-w.Done()
	assert.Equal(t, StateFailed, w.State().State)
	_, ok := <-w.Events()
	assert.False(t, ok)
	// initial dial plus two reconnects; the third failure is fatal
	assert.Len(t, net.dialed(), 3)
}

func TestWatcher_SignatureSubscribeRateLimitRetriesOnNewEndpoint(t *testing.T) {
	net := newFakeNet()
	net.setTx("sigA", mintTx("MintA", "PayerA"))
	net.subscribeHook = func(addr, method string) error {
		if addr == "ws://a" && method == solana.MethodSignatureSubscribe {
			return &solana.RPCError{Code: 429, Message: "Too many requests"}
		}
		return nil
	}
	w := newTestWatcher(t, net, testConfig(), nil, "a", "b")
	require.NoError(t, w.Start(context.Background()))
	first := net.last()

	first.push(t, logsNotification("sigA"))
	require.Eventually(t, func() bool {
		s := net.last()
		return s != first && s.countMethod(solana.MethodSignatureSubscribe) == 1
	}, 2*time.Second, 5*time.Millisecond)

	second := net.last()
	assert.Equal(t, []string{
		solana.MethodProgramSubscribe, solana.MethodLogsSubscribe, solana.MethodSignatureSubscribe,
	}, second.methods())
	require.Eventually(t, func() bool {
		return w.State().SignatureSubs[3] == "sigA"
	}, 2*time.Second, 5*time.Millisecond)

	second.push(t, signatureNotification(3))
	ev := waitEvent(t, w)
	assert.Equal(t, "MintA", ev.Created.Mint)
	assert.Equal(t, 1, second.callsFor("sigA"))
}

func TestWatcher_SignatureSubscribeSwitchFailureIsFatal(t *testing.T) {
	net := newFakeNet()
	net.subscribeHook = func(_, method string) error {
		if method == solana.MethodSignatureSubscribe {
			return &solana.RPCError{Code: 429, Message: "Too many requests"}
		}
		return nil
	}
	cfg := testConfig()
	cfg.MaxRetries = 3
	w := newTestWatcher(t, net, cfg, nil)
	require.NoError(t, w.Start(context.Background()))

	net.mu.Lock()
	net.dialErrs = []error{errConnReset, errConnReset, errConnReset, errConnReset, errConnReset}
	net.mu.Unlock()
	net.last().push(t, logsNotification("sigA"))

	select {
	case err := <-w.Fatal():
		assert.ErrorIs(t, err, ErrWatcherFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fatal error")
	}

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not shut down")
	}
	assert.Equal(t, StateFailed, w.State().State)
	_, ok := <-w.Events()
	assert.False(t, ok)
	assert.True(t, net.streams[0].isClosed())
}

func TestWatcher_DetailTimeoutDropsSignature(t *testing.T) {
	net := newFakeNet()
	net.callHook = func(ctx context.Context, _, _ string) (json.RawMessage, bool, error) {
		<-ctx.Done()
		return nil, true, solana.ErrRequestTimeout
	}
	cfg := testConfig()
	cfg.DetailTimeout = 20 * time.Millisecond
	w := newTestWatcher(t, net, cfg, nil)
	require.NoError(t, w.Start(context.Background()))
	stream := net.last()

	stream.push(t, logsNotification("sigA"))
	require.Eventually(t, func() bool {
		return stream.countMethod(solana.MethodSignatureSubscribe) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stream.push(t, signatureNotification(3))

	expectNoEvent(t, w, 150*time.Millisecond)
	assert.Equal(t, 1, stream.callsFor("sigA"))
	assert.Equal(t, 0, w.dedup.Pending())
	assert.True(t, w.dedup.Seen("sigA"))

	// the signature is never queued again
	stream.push(t, logsNotification("sigA"))
	expectNoEvent(t, w, 50*time.Millisecond)
	assert.Equal(t, 1, stream.countMethod(solana.MethodSignatureSubscribe))
}

func TestWatcher_DrainPacing(t *testing.T) {
	net := newFakeNet()
	cfg := testConfig()
	cfg.DrainPacing = 30 * time.Millisecond
	w := newTestWatcher(t, net, cfg, nil)

	s, err := net.dial(context.Background(), "ws://a")
	require.NoError(t, err)
	stream := s.(*fakeStream)
	w.stream = stream

	for _, sig := range []string{"s1", "s2", "s3"} {
		require.True(t, w.dedup.Offer(sig))
	}
	assert.Equal(t, 3, w.drain(context.Background()))
	calls := stream.callLog()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].at.Sub(calls[i-1].at), cfg.DrainPacing)
	}
	assert.Equal(t, "s1", calls[0].sig)
	assert.Equal(t, "s3", calls[2].sig)

	for i := 0; i < 7; i++ {
		require.True(t, w.dedup.Offer(string(rune('a'+i))))
	}
	assert.Equal(t, 5, w.drain(context.Background()))
	assert.Len(t, stream.callLog(), 8)
	assert.Equal(t, 2, w.dedup.Pending())
}

func TestWatcher_DrainTakesPendingBeforeConfirmation(t *testing.T) {
	net := newFakeNet()
	net.setTx("sigA", mintTx("MintA", "PayerA"))
	cfg := testConfig()
	cfg.DrainInterval = 20 * time.Millisecond
	w := newTestWatcher(t, net, cfg, nil)
	require.NoError(t, w.Start(context.Background()))
	stream := net.last()

	stream.push(t, logsNotification("sigA"))
	ev := waitEvent(t, w)
	assert.Equal(t, "sigA", ev.Signature())

	// confirmation after the drain resolved it must not resolve again
	stream.push(t, signatureNotification(3))
	expectNoEvent(t, w, 100*time.Millisecond)
	assert.Equal(t, 1, stream.callsFor("sigA"))
}

func TestWatcher_NonMintTransactionEmitsNothing(t *testing.T) {
	net := newFakeNet()
	raw, _ := json.Marshal(map[string]interface{}{
		"slot": 1,
		"meta": map[string]interface{}{"err": nil, "logMessages": []string{"Program log: Instruction: Transfer"}},
		"transaction": map[string]interface{}{
			"message": map[string]interface{}{"accountKeys": []string{"Payer"}, "instructions": []interface{}{}},
		},
	})
	net.setTx("sigT", raw)
	w := newTestWatcher(t, net, testConfig(), nil)
	require.NoError(t, w.Start(context.Background()))
	stream := net.last()

	stream.push(t, logsNotification("sigT"))
	require.Eventually(t, func() bool {
		return stream.countMethod(solana.MethodSignatureSubscribe) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stream.push(t, signatureNotification(3))

	require.Eventually(t, func() bool { return stream.callsFor("sigT") == 1 }, 2*time.Second, 5*time.Millisecond)
	expectNoEvent(t, w, 50*time.Millisecond)
}
