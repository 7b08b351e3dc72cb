package recycler

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// stack is the per-owner-goroutine local pool. Acquire and Recycle from the
// owning goroutine hit elems directly with no synchronization; Recycle from
// any other goroutine is routed through a dedicated queue instead, scavenged
// into elems the next time the owner runs dry. This is the same split the
// teacher's event loop draws between its fast path and its cross-thread
// ingress (eventloop/loop.go runFastPath vs. eventloop/ingress.go).
type stack[T any] struct {
	owner    uint64
	cfg      config
	newObj   func() T
	elems    []T
	shared   atomic.Int64 // remaining shared capacity across all foreign queues
	foreign  *xsync.MapOf[uint64, *queue[T]]
	scavenge []uint64 // snapshot of foreign queue owners, refreshed lazily
}

func newStack[T any](owner uint64, cfg config, newObj func() T) *stack[T] {
	s := &stack[T]{
		owner:   owner,
		cfg:     cfg,
		newObj:  newObj,
		elems:   make([]T, 0, cfg.maxCapacityPerThread),
		foreign: xsync.NewMapOf[*queue[T]](),
	}
	s.shared.Store(int64(cfg.maxCapacityPerThread / cfg.maxSharedCapacityFactor))
	return s
}

// acquire pops a pooled value, scavenging foreign queues first if the local
// stack is empty, and falling back to newObj when nothing is pooled at all.
func (s *stack[T]) acquire() T {
	if len(s.elems) == 0 {
		s.scavengeForeign()
	}
	if n := len(s.elems); n > 0 {
		v := s.elems[n-1]
		s.elems = s.elems[:n-1]
		return v
	}
	return s.newObj()
}

// push returns a value to the local stack. Called only from the owning
// goroutine (same-thread recycle path).
func (s *stack[T]) push(v T) bool {
	if len(s.elems) >= s.cfg.maxCapacityPerThread {
		return false
	}
	s.elems = append(s.elems, v)
	return true
}

// pushForeign routes a value recycled from a non-owner goroutine into that
// goroutine's dedicated handoff queue, creating one lazily if this is its
// first recycle against this stack. If the per-owner queue count already
// hit maxDelayedQueuesPerThread, the value is dropped: correctness never
// depends on recycling succeeding.
func (s *stack[T]) pushForeign(fromGID uint64, v T) bool {
	q, ok := s.foreign.Load(fromGID)
	if !ok {
		if s.foreign.Size() >= s.cfg.maxDelayedQueuesPerThread {
			return false
		}
		q = newQueue[T](s.cfg.linkCapacity, &s.shared)
		actual, loaded := s.foreign.LoadOrStore(fromGID, q)
		if loaded {
			q = actual
		}
	}
	return q.push(v)
}

// scavengeForeign drains every known foreign queue into elems, subject to
// the ratio throttle (one in every cfg.ratio items kept; spec §6) and the
// stack's own capacity ceiling.
func (s *stack[T]) scavengeForeign() {
	room := s.cfg.maxCapacityPerThread - len(s.elems)
	if room <= 0 {
		return
	}
	buf := make([]T, s.cfg.linkCapacity)
	s.foreign.Range(func(_ uint64, q *queue[T]) bool {
		for room > 0 {
			n := q.drain(buf, min(len(buf), room))
			if n == 0 {
				break
			}
			for i := 0; i < n; i++ {
				if i%s.cfg.ratio == 0 {
					s.elems = append(s.elems, buf[i])
					room--
				}
			}
		}
		return room > 0
	})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
