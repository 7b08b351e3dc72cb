package recycler

import (
	"runtime"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dmitrywald/reactorcore/internal/gid"
)

func numCPU() int { return runtime.GOMAXPROCS(0) }

// Recycler pools values of type T. A zero Recycler is not usable; construct
// one with New.
type Recycler[T any] struct {
	newObj func() T
	cfg    config
	owners *xsync.MapOf[uint64, *stack[T]]
}

// New builds a Recycler that manufactures new values with newObj whenever
// nothing pooled is available.
func New[T any](newObj func() T, opts ...Option) *Recycler[T] {
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}
	return &Recycler[T]{
		newObj: newObj,
		cfg:    cfg,
		owners: xsync.NewMapOf[*stack[T]](),
	}
}

// Handle wraps a pooled value together with the bookkeeping needed to
// return it to its owner stack exactly once. The zero value of Handle is
// not meaningful; Handles are only produced by Recycler.Get.
type Handle[T any] struct {
	Value    T
	recycler *Recycler[T]
	owner    *stack[T]
	ownerGID uint64
	recycled atomic.Bool
}

// Get acquires a value from the calling goroutine's local stack, scavenging
// cross-thread returns or manufacturing a fresh value as needed.
func (r *Recycler[T]) Get() *Handle[T] {
	g := gid.Current()
	s := r.ownerStack(g)
	return &Handle[T]{
		Value:    s.acquire(),
		recycler: r,
		owner:    s,
		ownerGID: g,
	}
}

func (r *Recycler[T]) ownerStack(g uint64) *stack[T] {
	s, ok := r.owners.Load(g)
	if ok {
		return s
	}
	s = newStack[T](g, r.cfg, r.newObj)
	actual, loaded := r.owners.LoadOrStore(g, s)
	if loaded {
		return actual
	}
	return s
}

// Recycle returns h's value to its owner's pool. It is safe to call from
// any goroutine: if the caller is the owner, the value rejoins the local
// stack directly; otherwise it is handed off through that owner's
// per-caller queue (see stack.pushForeign). Calling Recycle a second time
// on the same Handle returns ErrDoubleRecycle and is a no-op.
func (h *Handle[T]) Recycle() error {
	if !h.recycled.CompareAndSwap(false, true) {
		return ErrDoubleRecycle
	}
	g := gid.Current()
	if g == h.ownerGID {
		h.owner.push(h.Value)
		return nil
	}
	h.owner.pushForeign(g, h.Value)
	return nil
}
