package watcher

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Deduplicator tracks every signature a watcher has seen and the FIFO of
// signatures still waiting for detail resolution. A signature enters the
// seen-set when it is queued, so it is never queued twice even when its
// resolution later fails.
type Deduplicator struct {
	mu      sync.Mutex
	seen    mapset.Set[string]
	pending []string
	queued  mapset.Set[string]
}

// NewDeduplicator creates an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		seen:   mapset.NewThreadUnsafeSet[string](),
		queued: mapset.NewThreadUnsafeSet[string](),
	}
}

// Offer queues signature if it was never seen and reports whether it did.
func (d *Deduplicator) Offer(signature string) bool {
	if signature == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.seen.Add(signature) {
		return false
	}
	d.queued.Add(signature)
	d.pending = append(d.pending, signature)
	return true
}

// Take removes signature from the pending queue. It returns false when the
// signature is not pending, i.e. another path already took it.
func (d *Deduplicator) Take(signature string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.queued.Contains(signature) {
		return false
	}
	d.queued.Remove(signature)
	for i, s := range d.pending {
		if s == signature {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			break
		}
	}
	return true
}

// TakeBatch pops up to n signatures from the head of the pending queue.
func (d *Deduplicator) TakeBatch(n int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n > len(d.pending) {
		n = len(d.pending)
	}
	if n <= 0 {
		return nil
	}
	batch := make([]string, n)
	copy(batch, d.pending[:n])
	d.pending = d.pending[n:]
	for _, s := range batch {
		d.queued.Remove(s)
	}
	return batch
}

// Seen reports whether signature was ever offered.
func (d *Deduplicator) Seen(signature string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Contains(signature)
}

// Pending returns the number of queued signatures.
func (d *Deduplicator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
