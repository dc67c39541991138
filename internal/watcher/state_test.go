package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateSubscribed, false},
		{StateConnecting, StateSubscribed, true},
		{StateSubscribed, StateReconnecting, true},
		{StateReconnecting, StateReconnecting, true},
		{StateReconnecting, StateSubscribed, true},
		{StateReconnecting, StateFailed, true},
		{StateSubscribed, StateFailed, false},
		{StateSubscribed, StateDisconnected, true},
		{StateFailed, StateConnecting, false},
		{StateFailed, StateDisconnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestWatcherState_Lifecycle(t *testing.T) {
	s := newWatcherState("Target")
	assert.Equal(t, StateDisconnected, s.State)

	require.NoError(t, s.transition(StateConnecting))
	require.NoError(t, s.subscribed(10, 11))
	assert.Equal(t, int64(1), s.Generation)

	s.trackSignature(12, "sigA")
	snap := s.snapshot()

	n, err := s.reconnecting()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.reconnecting()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.subscribed(20, 21))
	assert.Equal(t, 0, s.ReconnectAttempts)
	assert.Equal(t, int64(2), s.Generation)
	assert.Empty(t, s.SignatureSubs)

	// snapshots are independent copies
	assert.Equal(t, "sigA", snap.SignatureSubs[12])

	sig, ok := snap.untrackSignature(12)
	assert.True(t, ok)
	assert.Equal(t, "sigA", sig)
	_, ok = snap.untrackSignature(12)
	assert.False(t, ok)

	assert.Error(t, s.transition(StateConnecting))
}
