package reactor

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	gateAwake int64 = 0
	gateNone  int64 = math.MaxInt64
)

// wakeupGate is the "nextWakeupDeadline atomic (AWAKE | NONE | deadline)"
// primitive from spec §4.D: it suppresses a redundant wakeup syscall by
// only letting Wakeup perform its OS write when it successfully swaps the
// gate away from a non-awake value. Shared by every Backend so the
// suppression logic is written and tested exactly once.
type wakeupGate struct {
	v atomic.Int64
}

func newWakeupGate() *wakeupGate {
	g := &wakeupGate{}
	g.v.Store(gateAwake)
	return g
}

// armBeforeWait records that the caller is about to block until deadline
// (the zero Time means "no deadline", i.e. block forever absent a wakeup
// or event). Must be called immediately before the blocking wait.
func (g *wakeupGate) armBeforeWait(deadline time.Time) {
	v := gateNone
	if !deadline.IsZero() {
		if ns := deadline.UnixNano(); ns != gateAwake {
			v = ns
		} else {
			v = 1 // avoid colliding with the AWAKE sentinel
		}
	}
	g.v.Store(v)
}

// disarmAfterWait marks the gate awake again once the wait returns,
// whether due to an event, timeout, or explicit wakeup.
func (g *wakeupGate) disarmAfterWait() {
	g.v.Store(gateAwake)
}

// consume swaps the gate to AWAKE and reports whether it found a non-awake
// value there — i.e. whether the caller actually needs to perform an OS
// wakeup write. Safe to call even when no wait is currently armed.
func (g *wakeupGate) consume() bool {
	for {
		cur := g.v.Load()
		if cur == gateAwake {
			return false
		}
		if g.v.CompareAndSwap(cur, gateAwake) {
			return true
		}
	}
}
