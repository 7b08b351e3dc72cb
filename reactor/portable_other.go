//go:build !linux && !darwin

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// portableBackend is the selector-based fallback Backend for platforms
// without a native epoll/kqueue binding — any other POSIX system
// (FreeBSD, OpenBSD, NetBSD, Solaris/illumos) supported by
// golang.org/x/sys/unix's generic select(2) wrapper. It trades the O(1)
// readiness reporting of epoll/kqueue for select's O(n) fd-set scan,
// which is the same tradeoff Netty's NioEventLoop makes relative to its
// epoll transport on platforms lacking a native poller. Only Read interest
// is selected on: Write interest is recorded in the table but never
// reported, and handlers are always called with Read.
type portableBackend struct {
	tbl         table
	gate        *wakeupGate
	wakeReadFD  int
	wakeWriteFD int
	closed      bool
}

// NewPortable constructs a select(2)-based fallback Backend.
func NewPortable() (Backend, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, err
	}
	return &portableBackend{
		tbl:         table{},
		gate:        newWakeupGate(),
		wakeReadFD:  fds[0],
		wakeWriteFD: fds[1],
	}, nil
}

func (b *portableBackend) Register(fd int, interest Events, h Handler) (Registration, error) {
	return b.tbl.insert(fd, interest, h)
}

func (b *portableBackend) Modify(reg Registration, interest Events) error {
	return b.tbl.modify(reg, interest)
}

func (b *portableBackend) Cancel(reg Registration) error {
	if _, ok := b.tbl.cancel(reg); !ok {
		return ErrFDNotRegistered
	}
	return nil
}

func (b *portableBackend) Wakeup() {
	if !b.gate.consume() {
		return
	}
	unix.Write(b.wakeWriteFD, []byte{1})
}

func (b *portableBackend) Run(strategy Strategy, tasksWaiting bool, deadline time.Time) (int, error) {
	if b.closed {
		return 0, ErrBackendClosed
	}
	if strategy == nil {
		strategy = DefaultStrategy
	}

	poll := func() (int, error) { return b.waitAndDispatch(&unix.Timeval{}) }
	decision, err := strategy(poll, tasksWaiting)
	if err != nil {
		return 0, err
	}

	switch decision {
	case Continue:
		return 0, nil
	case BusyWait:
		return b.waitAndDispatch(&unix.Timeval{})
	case Block:
		var tv *unix.Timeval
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			t := unix.NsecToTimeval(d.Nanoseconds())
			tv = &t
		}
		return b.waitAndDispatch(tv)
	default:
		return int(decision), nil
	}
}

func (b *portableBackend) waitAndDispatch(timeout *unix.Timeval) (int, error) {
	deadline := time.Time{}
	if timeout != nil {
		deadline = time.Now().Add(time.Duration(timeout.Sec)*time.Second + time.Duration(timeout.Usec)*time.Microsecond)
	}

	var rfds unix.FdSet
	maxFD := b.wakeReadFD
	rfds.Set(b.wakeReadFD)

	b.tbl.mu.RLock()
	for fd := 0; fd < maxFDs; fd++ {
		s := b.tbl.fds[fd]
		if s.active && s.interest&Read != 0 {
			rfds.Set(fd)
			if fd > maxFD {
				maxFD = fd
			}
		}
	}
	b.tbl.mu.RUnlock()

	b.gate.armBeforeWait(deadline)
	n, err := unix.Select(maxFD+1, &rfds, nil, nil, timeout)
	b.gate.disarmAfterWait()
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	handled := 0
	if rfds.IsSet(b.wakeReadFD) {
		var buf [1]byte
		unix.Read(b.wakeReadFD, buf[:])
	}
	for fd := 0; fd < maxFDs; fd++ {
		if !rfds.IsSet(fd) {
			continue
		}
		s, ok := b.tbl.lookup(fd)
		if !ok || s.handler == nil {
			continue
		}
		s.handler(Read)
		handled++
	}
	return handled, nil
}

func (b *portableBackend) Close() error {
	b.closed = true
	unix.Close(b.wakeReadFD)
	unix.Close(b.wakeWriteFD)
	return nil
}
