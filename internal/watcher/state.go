package watcher

import (
	"fmt"
)

// State is the lifecycle state of a Watcher.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// allowed lists the legal targets of each state. Disconnected is reachable
// from every state except Failed through Stop.
var allowed = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateSubscribed, StateReconnecting, StateFailed, StateDisconnected},
	StateSubscribed:   {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateSubscribed, StateReconnecting, StateFailed, StateDisconnected},
	StateFailed:       {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WatcherState is the explicit mutable state of one Watcher. It is written
// only by the watcher's run loop through the methods below.
type WatcherState struct {
	State             State
	TargetAccount     string
	ProgramSubID      int64
	LogsSubID         int64
	SignatureSubs     map[int64]string // subscription id -> signature
	ReconnectAttempts int
	// Generation increments on every successful (re)subscription; requests
	// that observed an older generation are already served by a newer transport.
	Generation int64
}

func newWatcherState(target string) WatcherState {
	return WatcherState{
		State:         StateDisconnected,
		TargetAccount: target,
		SignatureSubs: make(map[int64]string),
	}
}

func (s *WatcherState) transition(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("invalid watcher transition %s -> %s", s.State, to)
	}
	s.State = to
	return nil
}

// subscribed records a fresh program/logs subscription pair. Signature
// subscriptions of the previous transport are not carried over.
func (s *WatcherState) subscribed(programSubID, logsSubID int64) error {
	if err := s.transition(StateSubscribed); err != nil {
		return err
	}
	s.ProgramSubID = programSubID
	s.LogsSubID = logsSubID
	s.SignatureSubs = make(map[int64]string)
	s.ReconnectAttempts = 0
	s.Generation++
	return nil
}

// reconnecting enters Reconnecting and returns the incremented attempt count.
func (s *WatcherState) reconnecting() (int, error) {
	if err := s.transition(StateReconnecting); err != nil {
		return s.ReconnectAttempts, err
	}
	s.ReconnectAttempts++
	return s.ReconnectAttempts, nil
}

// cleared drops every subscription id; used when the transport is gone.
func (s *WatcherState) cleared() {
	s.ProgramSubID = 0
	s.LogsSubID = 0
	s.SignatureSubs = make(map[int64]string)
}

func (s *WatcherState) trackSignature(subID int64, signature string) {
	s.SignatureSubs[subID] = signature
}

func (s *WatcherState) untrackSignature(subID int64) (string, bool) {
	sig, ok := s.SignatureSubs[subID]
	if ok {
		delete(s.SignatureSubs, subID)
	}
	return sig, ok
}

// snapshot returns a deep copy safe to hand to other goroutines.
func (s *WatcherState) snapshot() WatcherState {
	cp := *s
	cp.SignatureSubs = make(map[int64]string, len(s.SignatureSubs))
	for k, v := range s.SignatureSubs {
		cp.SignatureSubs[k] = v
	}
	return cp
}
