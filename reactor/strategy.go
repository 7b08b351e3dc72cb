package reactor

// PollFunc performs one non-blocking poll and returns the number of
// events it picked up.
type PollFunc func() (int, error)

// Decision is the outcome of a Strategy call: either one of the three
// named directives, or (when >= 0) an event count already collected by a
// non-blocking poll the strategy performed itself.
type Decision int

const (
	// Block means the caller should wait for events up to the deadline.
	Block Decision = -1
	// Continue means skip I/O this iteration and go straight to task
	// drain.
	Continue Decision = -2
	// BusyWait means spin with a non-blocking poll; every backend runs one
	// non-blocking poll pass for it.
	BusyWait Decision = -3
)

// Strategy decides, before each Backend.Run wait, whether to block, spin,
// skip, or that it has already polled. Matches spec §4.I exactly: pollFn
// is a non-blocking poll the strategy may invoke itself, tasksWaiting
// reports whether the loop's task queue is non-empty.
type Strategy func(pollFn PollFunc, tasksWaiting bool) (Decision, error)

// DefaultStrategy implements spec §4.I's default: if tasks are waiting,
// poll non-blockingly and return whatever it found; otherwise block.
func DefaultStrategy(pollFn PollFunc, tasksWaiting bool) (Decision, error) {
	if !tasksWaiting {
		return Block, nil
	}
	n, err := pollFn()
	if err != nil {
		return 0, err
	}
	return Decision(n), nil
}
