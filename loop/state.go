package loop

import "sync/atomic"

// State is the lifecycle of a Loop.
//
//	StateAwake      -> StateRunning      [Run()]
//	StateRunning    -> StateSleeping     [blocked in the reactor]
//	StateSleeping   -> StateRunning      [reactor returns]
//	StateRunning    -> StateShuttingDown [ShutdownGracefully()]
//	StateSleeping   -> StateShuttingDown [ShutdownGracefully()]
//	StateShuttingDown -> StateTerminated [quiet period or timeout elapsed]
//	StateAwake      -> StateTerminated   [ShutdownGracefully() before Run()]
//	any state       -> StateTerminated   [Run's context cancelled]
//
// Use TryTransition (CAS) for the reversible Running/Sleeping pair; use
// Store only for the one-way move into StateTerminated.
type State uint32

const (
	StateAwake State = iota
	StateRunning
	StateSleeping
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine, cache-line padded to avoid false
// sharing between the loop goroutine and submitters probing its state.
type fastState struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(StateAwake))
	return s
}

func (s *fastState) Load() State { return State(s.v.Load()) }

func (s *fastState) Store(state State) { s.v.Store(uint32(state)) }

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
