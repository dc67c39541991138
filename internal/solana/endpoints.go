package solana

import (
	"fmt"
	"sync"
)

// EndpointSlot pairs the HTTP RPC address and the websocket address of one node.
type EndpointSlot struct {
	RPCAddress          string
	StreamAddress       string
	ConsecutiveFailures int
}

// EndpointPool holds equivalent node endpoints and the index of the current one.
// Rotation is circular and never fails; giving up is the caller's policy.
type EndpointPool struct {
	mu      sync.Mutex
	slots   []EndpointSlot
	current int
}

// NewEndpointPool copies slots into a new pool. At least one slot is required.
func NewEndpointPool(slots []EndpointSlot) (*EndpointPool, error) {
	if len(slots) == 0 {
		return nil, fmt.Errorf("endpoint pool: no endpoints")
	}
	for i, s := range slots {
		if s.RPCAddress == "" || s.StreamAddress == "" {
			return nil, fmt.Errorf("endpoint pool: slot %d missing rpc or stream address", i)
		}
	}
	copied := make([]EndpointSlot, len(slots))
	copy(copied, slots)
	return &EndpointPool{slots: copied}, nil
}

// Clone returns an independent pool over the same endpoint list, starting at slot 0.
func (p *EndpointPool) Clone() *EndpointPool {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make([]EndpointSlot, len(p.slots))
	for i, s := range p.slots {
		copied[i] = EndpointSlot{RPCAddress: s.RPCAddress, StreamAddress: s.StreamAddress}
	}
	return &EndpointPool{slots: copied}
}

// Len returns the number of slots.
func (p *EndpointPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Index returns the position of the current slot.
func (p *EndpointPool) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Current returns a copy of the current slot.
func (p *EndpointPool) Current() EndpointSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[p.current]
}

// Rotate advances to (index+1) mod N, resets that slot's failure counter and returns it.
func (p *EndpointPool) Rotate() EndpointSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = (p.current + 1) % len(p.slots)
	p.slots[p.current].ConsecutiveFailures = 0
	return p.slots[p.current]
}

// MarkFailure increments the current slot's failure counter and returns the new value.
func (p *EndpointPool) MarkFailure() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.slots[p.current].ConsecutiveFailures++
	return p.slots[p.current].ConsecutiveFailures
}

// MarkSuccess clears the current slot's failure counter.
func (p *EndpointPool) MarkSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[p.current].ConsecutiveFailures = 0
}
