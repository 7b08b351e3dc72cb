package future

import (
	"sync"
	"weak"
)

// Registry tracks live promises via weak pointers so it never keeps one
// alive past its last strong reference, and scavenges settled or
// garbage-collected entries out of its bookkeeping in small batches
// instead of all at once. Grounded directly on eventloop/registry.go's
// ring-buffer scavenger, generalized from a single concrete promise type
// to Registry[T].
type Registry[T any] struct {
	mu   sync.RWMutex
	data map[uint64]weak.Pointer[Promise[T]]
	ring []uint64
	head int

	scavengeMu sync.Mutex
	nextID     uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		data:   make(map[uint64]weak.Pointer[Promise[T]]),
		ring:   make([]uint64, 0, 1024),
		nextID: 1,
	}
}

// Track registers p under a fresh id and returns that id.
func (r *Registry[T]) Track(p *Promise[T]) uint64 {
	wp := weak.Make(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.data[id] = wp
	r.ring = append(r.ring, id)
	return id
}

// Scavenge inspects up to batchSize ring-buffer slots, dropping any entry
// whose promise has been garbage collected or has already settled. It is
// meant to be invoked periodically (e.g. once per event loop tick) so the
// cost of a full sweep is amortized across many calls instead of paid in
// one pass.
func (r *Registry[T]) Scavenge(batchSize int) {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return
	}

	start := r.head
	end := start + batchSize
	if end > ringLen {
		end = ringLen
	}

	type item struct {
		id  uint64
		idx int
	}
	var candidates []item
	for i := start; i < end; i++ {
		if id := r.ring[i]; id != 0 {
			candidates = append(candidates, item{id, i})
		}
	}

	type resolved struct {
		item
		wp weak.Pointer[Promise[T]]
	}
	var toCheck []resolved
	for _, c := range candidates {
		if wp, ok := r.data[c.id]; ok {
			toCheck = append(toCheck, resolved{c, wp})
		}
	}

	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	cycleCompleted := nextHead == 0

	var toRemove []item
	for _, c := range toCheck {
		p := c.wp.Value()
		if p == nil || p.IsDone() {
			toRemove = append(toRemove, c.item)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range toRemove {
		delete(r.data, it.id)
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}
	r.head = nextHead

	if cycleCompleted {
		active := len(r.data)
		capacity := len(r.ring)
		if capacity > 256 && float64(active) < float64(capacity)*0.25 {
			r.compactAndRenew()
		}
	}
}

// RejectAll fails every still-pending tracked promise with cause and
// forgets all tracked entries. Intended for use during shutdown so no
// registered-but-never-settled promise hangs a caller forever.
func (r *Registry[T]) RejectAll(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, wp := range r.data {
		if p := wp.Value(); p != nil {
			p.TryFailure(cause)
		}
		delete(r.data, id)
	}
	r.ring = r.ring[:0]
	r.head = 0
}

// compactAndRenew drops null markers from the ring and rebuilds the map,
// reclaiming the bucket array Go's delete() leaves behind. Must be called
// with r.mu held for writing.
func (r *Registry[T]) compactAndRenew() {
	newRing := make([]uint64, 0, len(r.data))
	newData := make(map[uint64]weak.Pointer[Promise[T]], len(r.data))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			newRing = append(newRing, id)
			newData[id] = wp
		}
	}
	r.ring = newRing
	r.data = newData
	r.head = 0
}
