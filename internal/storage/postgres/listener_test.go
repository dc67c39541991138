package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
)

func nextChange(t *testing.T, f feed.Feed) feed.Change {
	t.Helper()
	select {
	case c, ok := <-f.Changes():
		require.True(t, ok, "feed closed")
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for change")
	}
	return feed.Change{}
}

func TestListener_PublishesTableChanges(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := feed.NewHub(16, zaptest.NewLogger(t))
	listener := NewListener(pool, hub, zaptest.NewLogger(t), domain.CollectionTokens, domain.CollectionTransactions)
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()
	<-listener.Ready()

	tokens, err := hub.Open(ctx, domain.CollectionTokens)
	require.NoError(t, err)
	txs, err := hub.Open(ctx, domain.CollectionTransactions)
	require.NoError(t, err)

	tokenStore := NewTokenStore(pool)
	require.NoError(t, tokenStore.Insert(ctx, &domain.Token{Address: "MintA", Name: "Alpha", Owner: "W1"}))
	require.NoError(t, tokenStore.Update(ctx, &domain.Token{Address: "MintA", Name: "Beta", Owner: "W1"}))
	require.NoError(t, tokenStore.Delete(ctx, "MintA"))

	ins := nextChange(t, tokens)
	assert.Equal(t, feed.OpInsert, ins.Op)
	assert.Equal(t, "MintA", ins.ID)
	var doc domain.Token
	require.NoError(t, ins.DecodeDocument(&doc))
	assert.Equal(t, "Alpha", doc.Name)
	assert.Equal(t, "W1", doc.Owner)
	assert.NotZero(t, doc.CreatedAt)

	upd := nextChange(t, tokens)
	assert.Equal(t, feed.OpUpdate, upd.Op)
	assert.False(t, upd.HasDocument())
	assert.Contains(t, string(upd.UpdatedFields), `"name": "Beta"`)

	del := nextChange(t, tokens)
	assert.Equal(t, feed.OpDelete, del.Op)
	require.NoError(t, del.DecodeDocument(&doc))
	assert.Equal(t, "Beta", doc.Name)

	txStore := NewTransactionStore(pool)
	require.NoError(t, txStore.Insert(ctx, &domain.Transaction{ID: "tx1", From: "AA", To: "BB", TokenAddress: "MintA", Type: domain.TxTypeBuy}))
	c := nextChange(t, txs)
	assert.Equal(t, domain.CollectionTransactions, c.Collection)
	var tx domain.Transaction
	require.NoError(t, c.DecodeDocument(&tx))
	assert.Equal(t, "AA", tx.From)
	assert.Equal(t, "MintA", tx.TokenAddress)
	assert.NotZero(t, tx.Timestamp)

	cancel()
	assert.NoError(t, <-done)
}

func TestListener_OversizedRowNotifiesIDOnly(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := feed.NewHub(16, zaptest.NewLogger(t))
	listener := NewListener(pool, hub, zaptest.NewLogger(t), domain.CollectionTokens)
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()
	<-listener.Ready()

	tokens, err := hub.Open(ctx, domain.CollectionTokens)
	require.NoError(t, err)

	big := strings.Repeat("x", 10*1024)
	tokenStore := NewTokenStore(pool)
	require.NoError(t, tokenStore.Insert(ctx, &domain.Token{Address: "MintBig", Name: "Big", Owner: "W1", Description: big}))
	require.NoError(t, tokenStore.Update(ctx, &domain.Token{Address: "MintBig", Name: "Big", Owner: "W1", Description: big + "y"}))
	require.NoError(t, tokenStore.Delete(ctx, "MintBig"))

	for _, op := range []feed.Op{feed.OpInsert, feed.OpUpdate, feed.OpDelete} {
		c := nextChange(t, tokens)
		assert.Equal(t, op, c.Op)
		assert.Equal(t, domain.CollectionTokens, c.Collection)
		assert.Equal(t, "MintBig", c.ID)
		assert.NotZero(t, c.Timestamp)
		assert.False(t, c.HasDocument())
		assert.Empty(t, c.UpdatedFields)
	}

	// the row itself was written in full
	require.NoError(t, tokenStore.Insert(ctx, &domain.Token{Address: "MintBig", Name: "Big", Owner: "W1", Description: big}))
	got, err := tokenStore.GetByAddress(ctx, "MintBig")
	require.NoError(t, err)
	assert.Len(t, got.Description, len(big))
	assert.Equal(t, feed.OpInsert, nextChange(t, tokens).Op)

	cancel()
	assert.NoError(t, <-done)
}
