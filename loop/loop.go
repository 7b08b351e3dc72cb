// Package loop implements the single-threaded event loop described in
// spec §4.E: one goroutine pinned to an OS thread, a reactor backend it
// polls each iteration, a task queue, and a scheduled-task heap — plus
// the I/O-vs-task time-slicing ratio and graceful shutdown with a quiet
// period.
//
// Grounded on eventloop/loop.go's Loop: the state machine, chunked task
// queue, timer heap, and goroutine-affinity check are kept; the
// goja-flavoured "fast path" tight loop and JS-runtime hooks are dropped
// since nothing in this module's domain needs them.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dmitrywald/reactorcore/future"
	"github.com/dmitrywald/reactorcore/internal/gid"
	"github.com/dmitrywald/reactorcore/logging"
	"github.com/dmitrywald/reactorcore/metrics"
	"github.com/dmitrywald/reactorcore/reactor"
)

var (
	// ErrLoopTerminated is returned by Execute/Schedule once the loop has
	// fully shut down.
	ErrLoopTerminated = errors.New("loop: terminated")
)

var loopIDCounter atomic.Uint64

// Option configures a Loop at construction.
type Option func(*Loop)

// WithIOTimeRatio sets the configurable R in (0, 100] from spec §4.E. 100
// disables the cap (drain every task each iteration); the default is 50.
func WithIOTimeRatio(ratio int) Option {
	return func(l *Loop) {
		if ratio > 0 && ratio <= 100 {
			l.ioRatio = ratio
		}
	}
}

// WithMetrics attaches a metrics.Metrics to the loop, populated each tick
// with task/poll latency, queue depth, and throughput. Metrics tracking
// adds a small fixed overhead per tick and per task; omit this option for
// zero-overhead operation.
func WithMetrics() Option {
	return func(l *Loop) {
		l.metrics = metrics.NewMetrics()
	}
}

// Loop is a single-threaded event loop bound to one reactor.Backend.
type Loop struct {
	id      uint64
	backend reactor.Backend
	state   *fastState

	tasks  taskQueue
	timers timers

	ioRatio int
	metrics *metrics.Metrics

	goroutineID atomic.Uint64
	done        chan struct{}

	lastSubmitAt atomic.Int64 // UnixNano, updated on every Execute

	shutdownPromise  *future.Promise[struct{}]
	quietPeriod      atomic.Int64 // duration in ns; 0 while not shutting down
	shutdownStarted  atomic.Int64 // UnixNano
	shutdownDeadline atomic.Int64 // UnixNano
}

// New constructs a Loop over the given reactor backend. The loop does not
// start running until Run is called.
func New(backend reactor.Backend, opts ...Option) *Loop {
	l := &Loop{
		id:      loopIDCounter.Add(1),
		backend: backend,
		state:   newFastState(),
		ioRatio: 50,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	// The shutdown promise is deliberately NOT bound to the loop itself as
	// its executor: by the time it completes the loop has already moved to
	// StateTerminated, at which point Execute drops further work — which
	// would silently swallow every listener (e.g. loopgroup's aggregate
	// shutdown fan-in). inlineExecutor runs listeners synchronously instead.
	l.shutdownPromise = future.New[struct{}](inlineExecutor{})
	return l
}

// inlineExecutor runs its function synchronously on the calling goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Execute(fn func()) { fn() }
func (inlineExecutor) InExecutor() bool  { return false }

// ID returns the loop's stable identifier, assigned at construction.
func (l *Loop) ID() uint64 { return l.id }

// Backend returns the reactor backend this loop polls.
func (l *Loop) Backend() reactor.Backend { return l.backend }

// Metrics returns the loop's metrics tracker, or nil if WithMetrics was not
// passed to New.
func (l *Loop) Metrics() *metrics.Metrics { return l.metrics }

// Execute schedules task to run on the loop's own goroutine. Safe to call
// from any goroutine; satisfies future.Executor so Promises can be bound
// to a Loop. Tasks submitted after the loop has fully terminated are
// dropped with a logged warning, matching Netty's reject-on-terminated
// executor semantics without the checked-exception ceremony.
func (l *Loop) Execute(task func()) {
	if l.state.Load() == StateTerminated {
		logging.Warn("loop", "rejected task submitted after termination", map[string]any{"loop": l.id})
		return
	}
	l.lastSubmitAt.Store(time.Now().UnixNano())
	l.tasks.Push(task)
	l.backend.Wakeup()
}

// Schedule arranges for fn to run after delay has elapsed. The returned
// future cancels the task if it has not fired yet.
func (l *Loop) Schedule(delay time.Duration, fn func()) *ScheduledFuture {
	when := time.Now().Add(delay)
	sf := l.timers.schedule(when, fn)
	l.backend.Wakeup()
	return sf
}

// InEventLoop reports whether the calling goroutine is this loop's own
// goroutine.
func (l *Loop) InEventLoop() bool {
	id := l.goroutineID.Load()
	return id != 0 && gid.Current() == id
}

// InExecutor satisfies future.Executor.
func (l *Loop) InExecutor() bool { return l.InEventLoop() }

// State returns the current lifecycle state.
func (l *Loop) State() State { return l.state.Load() }

// ShutdownGracefully initiates orderly shutdown per spec §4.E: the loop
// keeps running until either timeout elapses absolutely, or quiet elapses
// with no new task submissions. The returned future completes once the
// loop goroutine has fully stopped.
func (l *Loop) ShutdownGracefully(quiet, timeout time.Duration) *future.Promise[struct{}] {
	now := time.Now()
	l.quietPeriod.Store(int64(quiet))
	l.shutdownStarted.Store(now.UnixNano())
	l.shutdownDeadline.Store(now.Add(timeout).UnixNano())
	logging.GracefulShutdown(int64(l.id), "started")

	for {
		current := l.state.Load()
		if current == StateShuttingDown || current == StateTerminated {
			break
		}
		if current == StateAwake {
			// Never started: nothing to drain, terminate immediately.
			l.state.Store(StateTerminated)
			l.backend.Close()
			l.shutdownPromise.TrySuccess(struct{}{})
			close(l.done)
			logging.GracefulShutdown(int64(l.id), "terminated")
			break
		}
		if l.state.TryTransition(current, StateShuttingDown) {
			l.backend.Wakeup()
			break
		}
	}
	return l.shutdownPromise
}

// Done returns a channel closed once the loop has fully terminated.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run is the loop's main body; it blocks until the loop terminates (either
// via ShutdownGracefully or ctx cancellation) and must be called from the
// goroutine that is to become the loop's permanent thread — epoll/kqueue
// require the waiting goroutine to stay put, so this locks the OS thread
// for its duration.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.goroutineID.Store(gid.Current())
	defer l.goroutineID.Store(0)

	l.state.TryTransition(StateAwake, StateRunning)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.backend.Wakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		if ctx.Err() != nil {
			l.finalizeShutdown()
			return ctx.Err()
		}
		switch l.state.Load() {
		case StateTerminated:
			// ShutdownGracefully raced ahead of Run and already tore down
			// the loop (e.g. it was called before Run on a never-started
			// loop); nothing left to do.
			return nil
		case StateShuttingDown:
			if l.shutdownConditionMet() {
				l.finalizeShutdown()
				return nil
			}
		}

		l.tick()
	}
}

// tick runs exactly one loop iteration per spec §4.E's four numbered
// steps.
func (l *Loop) tick() {
	deadline := l.pollDeadline()

	if l.metrics != nil {
		l.metrics.Queue.UpdateTask(l.tasks.Len())
		l.metrics.Queue.UpdateTimer(l.timers.len())
	}

	l.state.TryTransition(StateRunning, StateSleeping)
	ioStart := time.Now()
	_, err := l.backend.Run(reactor.DefaultStrategy, l.tasks.Len() > 0 || l.timers.len() > 0, deadline)
	l.state.TryTransition(StateSleeping, StateRunning)
	ioSpent := time.Since(ioStart)
	if l.metrics != nil {
		l.metrics.Poll.Record(ioSpent)
	}
	if err != nil {
		logging.Error("loop", "reactor pass failed", err, map[string]any{"loop": l.id})
	}

	l.drainTasks(ioSpent)
	l.timers.drainExpired(time.Now(), l.safeExecute)
}

// drainTasks pops tasks off the queue bounded by the I/O time ratio: at
// ratio R, after spending T on I/O this iteration, at most
// T*(100-R)/R is spent draining tasks before returning to the reactor. R
// == 100 disables the cap entirely.
func (l *Loop) drainTasks(ioSpent time.Duration) {
	if l.ioRatio >= 100 {
		for {
			task, ok := l.tasks.Pop()
			if !ok {
				return
			}
			l.safeExecute(task)
		}
	}

	budget := time.Duration(int64(ioSpent) * int64(100-l.ioRatio) / int64(l.ioRatio))
	if budget <= 0 {
		// No I/O was spent waiting (e.g. non-blocking poll found work
		// immediately); still drain one batch so tasks make progress.
		budget = time.Millisecond
	}
	deadline := time.Now().Add(budget)
	for {
		task, ok := l.tasks.Pop()
		if !ok {
			return
		}
		l.safeExecute(task)
		if time.Now().After(deadline) {
			return
		}
	}
}

func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.Task.Record(time.Since(start))
			l.metrics.TPS.Increment()
		}
		if r := recover(); r != nil {
			logging.Error("loop", "task panicked", fmt.Errorf("%v", r), map[string]any{"loop": l.id})
		}
	}()
	fn()
}

// pollDeadline computes how long Run is allowed to block this iteration:
// capped by the next scheduled timer and, while shutting down, by the
// quiet-period/absolute-timeout deadlines.
func (l *Loop) pollDeadline() time.Time {
	deadline := time.Now().Add(10 * time.Second)
	if next := l.timers.nextDeadline(); !next.IsZero() && next.Before(deadline) {
		deadline = next
	}
	if l.state.Load() == StateShuttingDown {
		if d := l.shutdownDeadline.Load(); d != 0 {
			if t := time.Unix(0, d); t.Before(deadline) {
				deadline = t
			}
		}
		if t := l.quietDeadline(); !t.IsZero() && t.Before(deadline) {
			deadline = t
		}
	}
	return deadline
}

// quietDeadline returns the time at which the quiet period will next have
// elapsed with no new submissions, measured from whichever is later: the
// last task submission, or the moment shutdown began. Every new submission
// pushes this deadline back out, exactly as Netty's quiet period restarts
// on activity.
func (l *Loop) quietDeadline() time.Time {
	if l.shutdownStarted.Load() == 0 {
		return time.Time{}
	}
	quiet := l.quietPeriod.Load()
	last := l.lastSubmitAt.Load()
	if started := l.shutdownStarted.Load(); started > last {
		last = started
	}
	return time.Unix(0, last).Add(time.Duration(quiet))
}

// shutdownConditionMet reports whether shutdown's quiet period or absolute
// timeout has elapsed.
func (l *Loop) shutdownConditionMet() bool {
	if l.state.Load() != StateShuttingDown {
		return false
	}
	now := time.Now()
	if d := l.shutdownDeadline.Load(); d != 0 && !now.Before(time.Unix(0, d)) {
		return true
	}
	if q := l.quietDeadline(); !q.IsZero() && !now.Before(q) {
		return true
	}
	return false
}

func (l *Loop) finalizeShutdown() {
	// Drain whatever is left so pending callbacks still observe a
	// consistent final state before the reactor goes away.
	for {
		task, ok := l.tasks.Pop()
		if !ok {
			break
		}
		l.safeExecute(task)
	}
	l.timers.drainExpired(time.Now().Add(time.Hour), l.safeExecute)

	l.state.Store(StateTerminated)
	if err := l.backend.Close(); err != nil {
		logging.Error("loop", "backend close failed", err, map[string]any{"loop": l.id})
	}
	logging.GracefulShutdown(int64(l.id), "terminated")
	l.shutdownPromise.TrySuccess(struct{}{})
	close(l.done)
}
