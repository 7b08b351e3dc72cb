// Package future implements a Promise/Future pair in the shape of Netty's
// io.netty.util.concurrent.Promise: single-assignment completion, listeners
// that fire in registration order on the promise's executor, and
// deadlock-avoidance for synchronous waits.
//
// Grounded on eventloop/promise.go's concrete promise/ChainedPromise types:
// the mutex-guarded state plus fan-out-on-completion shape is kept, but the
// listener dispatch is changed to match spec §4.C exactly — one task
// scheduled per completion that runs every listener in order, rather than
// one microtask per listener.
package future

import (
	"context"
	"sync"
	"sync/atomic"
)

// Executor runs functions, and can report whether the calling goroutine is
// already running on it. Promise uses InExecutor to detect and reject
// synchronous waits that would deadlock.
type Executor interface {
	Execute(func())
	InExecutor() bool
}

type state int32

const (
	statePending state = iota
	stateSuccess
	stateFailure
	stateCancelled
)

// Promise is a single-assignment, listener-driven future of a value of
// type T. The zero value is not usable; construct one with New or
// NewPendingRegistration.
type Promise[T any] struct {
	st    atomic.Int32
	mu    sync.Mutex
	value T
	err   error

	listeners []func(*Promise[T])
	done      chan struct{}

	executorRef atomic.Pointer[Executor]
}

// New constructs an already-bound Promise that schedules listener
// notification on executor.
func New[T any](executor Executor) *Promise[T] {
	p := &Promise[T]{done: make(chan struct{})}
	p.executorRef.Store(&executor)
	return p
}

// NewPendingRegistration constructs a Promise whose executor is not yet
// known — spec §4.C's PendingRegistrationPromise. Listener notification
// runs on fallback until SetExecutor is called (typically once the owning
// channel completes registration with its event loop).
func NewPendingRegistration[T any](fallback Executor) *Promise[T] {
	return New[T](fallback)
}

// SetExecutor rebinds the promise to executor. Intended to be called
// exactly once, when a PendingRegistrationPromise's channel finishes
// registering with its event loop.
func (p *Promise[T]) SetExecutor(executor Executor) {
	p.executorRef.Store(&executor)
}

func (p *Promise[T]) executor() Executor {
	return *p.executorRef.Load()
}

func (p *Promise[T]) state() state { return state(p.st.Load()) }

// IsDone reports whether the promise has settled (success, failure, or
// cancellation).
func (p *Promise[T]) IsDone() bool { return p.state() != statePending }

// IsSuccess reports whether the promise completed successfully.
func (p *Promise[T]) IsSuccess() bool { return p.state() == stateSuccess }

// IsCancelled reports whether the promise was cancelled.
func (p *Promise[T]) IsCancelled() bool { return p.state() == stateCancelled }

// Value returns the success value. It is only meaningful once IsSuccess is
// true.
func (p *Promise[T]) Value() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Cause returns the failure reason, or nil if the promise did not fail.
func (p *Promise[T]) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// TrySuccess completes the promise with value if it is still pending,
// reporting whether it did.
func (p *Promise[T]) TrySuccess(value T) bool {
	return p.complete(stateSuccess, value, nil)
}

// SetSuccess is TrySuccess but returns ErrAlreadyComplete instead of false.
func (p *Promise[T]) SetSuccess(value T) error {
	if !p.TrySuccess(value) {
		return ErrAlreadyComplete
	}
	return nil
}

// TryFailure completes the promise with cause if it is still pending,
// reporting whether it did.
func (p *Promise[T]) TryFailure(cause error) bool {
	var zero T
	return p.complete(stateFailure, zero, cause)
}

// SetFailure is TryFailure but returns ErrAlreadyComplete instead of false.
func (p *Promise[T]) SetFailure(cause error) error {
	if !p.TryFailure(cause) {
		return ErrAlreadyComplete
	}
	return nil
}

// Cancel marks the promise cancelled if it is still pending, reporting
// whether it did.
func (p *Promise[T]) Cancel() bool {
	var zero T
	return p.complete(stateCancelled, zero, context.Canceled)
}

func (p *Promise[T]) complete(s state, value T, err error) bool {
	if !p.st.CompareAndSwap(int32(statePending), int32(s)) {
		return false
	}

	p.mu.Lock()
	p.value = value
	p.err = err
	listeners := p.listeners
	p.listeners = nil
	p.mu.Unlock()

	close(p.done)

	if len(listeners) > 0 {
		p.executor().Execute(func() {
			for _, l := range listeners {
				l(p)
			}
		})
	}
	return true
}

// AddListener registers fn to run once the promise settles, on the
// promise's executor. If the promise is already settled, fn is scheduled
// immediately (still on the executor, never inline) rather than stored.
// Listeners from a single completion run in registration order, as one
// task — per spec §4.C, "the promise schedules a single task on its
// executor that fires all listeners in order."
func (p *Promise[T]) AddListener(fn func(*Promise[T])) {
	p.mu.Lock()
	if p.state() == statePending {
		p.listeners = append(p.listeners, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.executor().Execute(func() { fn(p) })
}

// Sync blocks the calling goroutine until the promise settles, then
// returns its Cause() (nil on success). It returns ErrBlockingOnExecutor
// instead of blocking if called from the promise's own executor, since
// that would deadlock the executor against itself.
func (p *Promise[T]) Sync() error {
	return p.Await(context.Background())
}

// Await is Sync with a cancellable context; ctx.Err() is returned if ctx
// is done before the promise settles.
func (p *Promise[T]) Await(ctx context.Context) error {
	if p.executor().InExecutor() {
		return ErrBlockingOnExecutor
	}
	select {
	case <-p.done:
		return p.Cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}
