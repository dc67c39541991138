package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
	"solana-feed-gateway/internal/observability"
	"solana-feed-gateway/internal/session"
	"solana-feed-gateway/internal/storage/memory"
)

type testGateway struct {
	hub     *feed.Hub
	txs     *memory.TransactionStore
	manager *session.Manager
	server  *Server
	http    *httptest.Server
}

func newTestGateway(t *testing.T, cfg Config) *testGateway {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)

	hub := feed.NewHub(0, logger)
	t.Cleanup(hub.Close)
	txs := memory.NewTransactionStore(hub)
	manager := session.NewManager(session.Stores{
		Tokens:       memory.NewTokenStore(hub),
		Transactions: txs,
		Volume:       txs,
	}, hub, nil, session.DefaultConfig(), logger, metrics)

	server := NewServer(cfg, manager, WithLogger(logger), WithMetrics(metrics, reg))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.CloseConnections()
		ts.Close()
		manager.Close()
	})
	return &testGateway{hub: hub, txs: txs, manager: manager, server: server, http: ts}
}

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) session.ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg session.ServerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestServer_SubscribeSnapshotAndUpdate(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, g.txs.Insert(ctx, &domain.Transaction{
		ID: "t1", From: "AA", To: "BB", TokenAddress: "Mint1", Type: domain.TxTypeBuy,
		Amount: decimal.NewFromInt(1), Timestamp: time.Now().Add(-time.Minute),
	}))

	ws := g.dial(t)
	require.NoError(t, ws.WriteJSON(map[string]string{
		"type": "subscribe", "dataType": "transactionsByAddress", "address": "AA", "timeRange": "1h", "id": "req-1",
	}))

	ack := readMessage(t, ws)
	require.Equal(t, session.TypeSubscribed, ack.Type)
	assert.Equal(t, "req-1", ack.RequestID)
	require.NotEmpty(t, ack.SubscriptionID)

	snap := readMessage(t, ws)
	require.Equal(t, session.TypeData, snap.Type)
	var txs []domain.Transaction
	require.NoError(t, json.Unmarshal(snap.Data, &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, "t1", txs[0].ID)

	require.NoError(t, g.txs.Insert(ctx, &domain.Transaction{
		ID: "t2", From: "CC", To: "AA", TokenAddress: "Mint1", Type: domain.TxTypeSell,
		Amount: decimal.NewFromInt(2), Timestamp: time.Now(),
	}))
	upd := readMessage(t, ws)
	require.Equal(t, session.TypeUpdate, upd.Type)
	assert.Equal(t, ack.SubscriptionID, upd.SubscriptionID)
	require.NotNil(t, upd.Change)
	assert.Equal(t, "t2", upd.Change.ID)
}

func TestServer_MalformedInputKeepsConnection(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())
	ws := g.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	msg := readMessage(t, ws)
	assert.Equal(t, session.TypeError, msg.Type)
	assert.Contains(t, msg.Message, session.ErrMalformedMessage.Error())

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping", "id": "p"}))
	msg = readMessage(t, ws)
	assert.Equal(t, session.TypePong, msg.Type)
	assert.Equal(t, "p", msg.RequestID)
}

func TestServer_DisconnectTearsDownSession(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())
	ws := g.dial(t)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "dataType": "allTransactions"}))
	readMessage(t, ws)
	readMessage(t, ws)
	require.Equal(t, 1, g.hub.Feeds(domain.CollectionTransactions))
	require.Equal(t, 1, g.manager.Stats().Sessions)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return g.manager.Stats().Sessions == 0 && g.hub.Feeds(domain.CollectionTransactions) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return g.server.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Status(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())
	ws := g.dial(t)
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "dataType": "records"}))
	readMessage(t, ws)
	readMessage(t, ws)

	resp, err := http.Get(g.http.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, 1, status.Connections)
	assert.Equal(t, 1, status.Sessions)
	assert.Equal(t, 1, status.Subscriptions)
	assert.Equal(t, 1, status.ByDataType[session.DataRecords])
	assert.Nil(t, status.Watchers)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())

	resp, err := http.Get(g.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ws := g.dial(t)
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	readMessage(t, ws)

	resp, err = http.Get(g.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "test_session_messages_sent_total")
}

func TestConn_OverflowCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboundBuffer = 1
	c := newConn(nil, cfg, zap.NewNop())

	require.NoError(t, c.Send(session.ServerMessage{Type: session.TypePong}))
	err := c.Send(session.ServerMessage{Type: session.TypePong})
	assert.True(t, errors.Is(err, ErrSlowClient), "got %v", err)

	select {
	case <-c.done:
	default:
		t.Fatal("connection not closed on overflow")
	}
	assert.True(t, errors.Is(c.err(), ErrSlowClient))

	err = c.Send(session.ServerMessage{Type: session.TypePong})
	assert.True(t, errors.Is(err, errConnClosed), "got %v", err)
}
