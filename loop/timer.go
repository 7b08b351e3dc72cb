package loop

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// scheduledTask is one entry in the loop's timer heap. cancelled is claimed
// by CAS both by Cancel and when the task is popped off the heap, so exactly
// one of them wins: a cancelled task never runs, and a fired task can no
// longer be cancelled.
type scheduledTask struct {
	when      time.Time
	fn        func()
	cancelled atomic.Bool
}

// ScheduledFuture is returned by Loop.Schedule; Cancel prevents the task
// from running if it has not fired yet.
type ScheduledFuture struct {
	task *scheduledTask
}

// Cancel marks the scheduled task cancelled. Returns false if the task had
// already fired (or was already cancelled).
func (f *ScheduledFuture) Cancel() bool {
	return f.task.cancelled.CompareAndSwap(false, true)
}

type timerHeap []*scheduledTask

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*scheduledTask)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// timers owns the min-heap of scheduled tasks. Loop.Schedule calls schedule
// directly from any goroutine, while drainExpired runs on the loop's own
// goroutine; mu guards every access to the heap.
type timers struct {
	mu sync.Mutex
	h  timerHeap
}

func (t *timers) schedule(when time.Time, fn func()) *ScheduledFuture {
	st := &scheduledTask{when: when, fn: fn}
	t.mu.Lock()
	heap.Push(&t.h, st)
	t.mu.Unlock()
	return &ScheduledFuture{task: st}
}

// drainExpired pops and runs every timer whose deadline has passed.
func (t *timers) drainExpired(now time.Time, run func(func())) {
	for {
		t.mu.Lock()
		if len(t.h) == 0 || t.h[0].when.After(now) {
			t.mu.Unlock()
			return
		}
		st := heap.Pop(&t.h).(*scheduledTask)
		t.mu.Unlock()

		if !st.cancelled.CompareAndSwap(false, true) {
			continue
		}
		run(st.fn)
	}
}

// nextDeadline reports the next timer's fire time, or the zero Time if none
// are pending.
func (t *timers) nextDeadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.h) == 0 {
		return time.Time{}
	}
	return t.h[0].when
}

func (t *timers) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.h)
}
