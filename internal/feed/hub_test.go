package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func recv(t *testing.T, f Feed) Change {
	t.Helper()
	select {
	case c, ok := <-f.Changes():
		require.True(t, ok, "feed closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
	return Change{}
}

func TestHub_FanOutPerCollection(t *testing.T) {
	hub := NewHub(8, zaptest.NewLogger(t))
	ctx := context.Background()

	a, err := hub.Open(ctx, "tokens")
	require.NoError(t, err)
	b, err := hub.Open(ctx, "tokens")
	require.NoError(t, err)
	other, err := hub.Open(ctx, "transactions")
	require.NoError(t, err)

	c, err := NewChange(OpInsert, "tokens", "Mint1", map[string]string{"address": "Mint1"})
	require.NoError(t, err)
	hub.Publish(c)

	assert.Equal(t, "Mint1", recv(t, a).ID)
	assert.Equal(t, "Mint1", recv(t, b).ID)
	select {
	case c := <-other.Changes():
		t.Fatalf("unexpected change on other collection: %+v", c)
	default:
	}
	assert.Equal(t, 2, hub.Feeds("tokens"))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, hub.Feeds("tokens"))
	_, ok := <-a.Changes()
	assert.False(t, ok)
	assert.NoError(t, a.Err())
}

func TestHub_PreservesOrder(t *testing.T) {
	hub := NewHub(16, zaptest.NewLogger(t))
	f, err := hub.Open(context.Background(), "tokens")
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		hub.Publish(Change{Op: OpInsert, Collection: "tokens", ID: id})
	}
	assert.Equal(t, "a", recv(t, f).ID)
	assert.Equal(t, "b", recv(t, f).ID)
	assert.Equal(t, "c", recv(t, f).ID)
}

func TestHub_SlowConsumerIsClosed(t *testing.T) {
	hub := NewHub(2, zaptest.NewLogger(t))
	ctx := context.Background()
	slow, err := hub.Open(ctx, "tokens")
	require.NoError(t, err)
	fast, err := hub.Open(ctx, "tokens")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		hub.Publish(Change{Op: OpInsert, Collection: "tokens", ID: "x"})
		if i < 2 {
			recv(t, fast)
		}
	}

	// the two buffered changes are still delivered before the close
	recv(t, slow)
	recv(t, slow)
	_, ok := <-slow.Changes()
	assert.False(t, ok)
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)

	recv(t, fast)
	assert.Equal(t, 1, hub.Feeds("tokens"))
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(0, nil)
	f, err := hub.Open(context.Background(), "tokens")
	require.NoError(t, err)

	hub.Close()
	_, ok := <-f.Changes()
	assert.False(t, ok)
	assert.ErrorIs(t, f.Err(), ErrClosed)

	_, err = hub.Open(context.Background(), "tokens")
	assert.ErrorIs(t, err, ErrClosed)
}
