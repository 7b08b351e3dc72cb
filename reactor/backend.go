// Package reactor implements the pluggable I/O backend each event loop
// polls for readiness or completion: readiness-based epoll (Linux) and
// kqueue (Darwin), a completion-based io_uring backend (Linux), and a
// portable selector fallback for everything else. All four share the
// Backend contract in spec §4.D.
//
// Grounded on eventloop/poller_linux.go and eventloop/poller_darwin.go:
// those files' direct-FD-indexed registration table and inline dispatch
// are kept, generalized behind the Backend interface so the event loop
// package can be backend-agnostic.
package reactor

import "time"

// Events is a bitmask of readiness conditions a Registration can wait on
// or report.
type Events uint32

const (
	Read Events = 1 << iota
	Write
	Error
	Hangup
)

// Handler is invoked with the ready events for one registration. It runs
// on the reactor's own goroutine (the owning event loop's thread) —
// handlers must never block.
type Handler func(Events)

// Registration is the token returned by Register; it is passed back to
// Modify and Cancel.
type Registration struct {
	id int64
	fd int
}

// ID returns the stable identifier assigned to this registration.
func (r Registration) ID() int64 { return r.id }

// Backend is the contract every reactor implementation satisfies (spec
// §4.D): register/modify/cancel a handle, run one pass, wake a blocked
// pass from another goroutine, and release OS resources on Close.
type Backend interface {
	// Register starts watching fd for interest, dispatching ready events
	// to handler.
	Register(fd int, interest Events, handler Handler) (Registration, error)

	// Modify updates the interest set for an existing registration.
	Modify(reg Registration, interest Events) error

	// Cancel stops watching reg. Implementations may defer actually
	// forgetting the registration until any in-flight completions for it
	// have drained (io_uring), to avoid dispatching into freed state.
	Cancel(reg Registration) error

	// Run executes one pass: decide whether to block (per strategy),
	// wait up to deadline for events (zero Time means no deadline), and
	// dispatch whatever is ready. Returns the number of events handled.
	Run(strategy Strategy, tasksWaiting bool, deadline time.Time) (int, error)

	// Wakeup unblocks a concurrent Run call from any goroutine. Safe to
	// call even when no Run call is currently blocked.
	Wakeup()

	// Close releases all OS resources. Run must not be called again
	// afterward.
	Close() error
}
