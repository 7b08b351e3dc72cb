//go:build linux

package reactor

import (
	"time"

	"github.com/dmitrywald/reactorcore/logging"
	"golang.org/x/sys/unix"
)

// spuriousWakeupThreshold is the number of consecutive zero-event,
// non-wakeup epoll_wait returns tolerated before the backend rebuilds its
// epoll instance, per spec §4.D's spurious-wakeup workaround.
const spuriousWakeupThreshold = 512

// cancelledCompactionThreshold forces a non-blocking follow-up poll after
// this many cancellations accumulate, giving the kernel a chance to
// compact internal state.
const cancelledCompactionThreshold = 256

// epollBackend is the readiness-based Backend for Linux, grounded on
// eventloop/poller_linux.go's FastPoller: an epoll fd, a direct-indexed
// registration table, and an eventfd used purely for cross-goroutine
// wakeup.
type epollBackend struct {
	epfd     int
	wakeFD   int
	eventBuf [256]unix.EpollEvent
	tbl      table
	gate     *wakeupGate

	spuriousRuns int
	cancelledN   int
	closed       bool

	governor *rebuildGovernor
}

// NewEpoll constructs a Backend backed by Linux epoll.
func NewEpoll() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	b := &epollBackend{epfd: epfd, wakeFD: wakeFD, gate: newWakeupGate(), governor: newRebuildGovernor("epoll")}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, b.wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(b.wakeFD),
	}); err != nil {
		unix.Close(b.wakeFD)
		unix.Close(epfd)
		return nil, err
	}
	return b, nil
}

func (b *epollBackend) Register(fd int, interest Events, h Handler) (Registration, error) {
	reg, err := b.tbl.insert(fd, interest, h)
	if err != nil {
		return Registration{}, err
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		b.tbl.cancel(reg)
		return Registration{}, err
	}
	return reg, nil
}

func (b *epollBackend) Modify(reg Registration, interest Events) error {
	if err := b.tbl.modify(reg, interest); err != nil {
		return err
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(interest), Fd: int32(reg.fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, reg.fd, ev)
}

func (b *epollBackend) Cancel(reg Registration) error {
	if _, ok := b.tbl.cancel(reg); !ok {
		return ErrFDNotRegistered
	}
	b.cancelledN++
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil)
}

func (b *epollBackend) Wakeup() {
	if !b.gate.consume() {
		return
	}
	var buf [8]byte
	buf[7] = 1
	unix.Write(b.wakeFD, buf[:])
}

func (b *epollBackend) Run(strategy Strategy, tasksWaiting bool, deadline time.Time) (int, error) {
	if b.closed {
		return 0, ErrBackendClosed
	}
	if strategy == nil {
		strategy = DefaultStrategy
	}

	poll := func() (int, error) { return b.waitAndDispatch(0) }
	decision, err := strategy(poll, tasksWaiting)
	if err != nil {
		return 0, b.handleIOError(err)
	}

	switch decision {
	case Continue:
		return 0, nil
	case BusyWait:
		return b.waitAndDispatch(0)
	case Block:
		timeout := -1
		if !deadline.IsZero() {
			if ms := time.Until(deadline).Milliseconds(); ms >= 0 {
				timeout = int(ms)
			} else {
				timeout = 0
			}
		}
		return b.waitAndDispatch(timeout)
	default:
		// the strategy already polled; decision is the event count.
		return int(decision), nil
	}
}

func (b *epollBackend) waitAndDispatch(timeoutMs int) (int, error) {
	deadline := time.Time{}
	if timeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}
	b.gate.armBeforeWait(deadline)
	n, err := unix.EpollWait(b.epfd, b.eventBuf[:], timeoutMs)
	b.gate.disarmAfterWait()
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	woken := false
	handled := 0
	for i := 0; i < n; i++ {
		fd := int(b.eventBuf[i].Fd)
		if fd == b.wakeFD {
			woken = true
			var buf [8]byte
			unix.Read(b.wakeFD, buf[:])
			continue
		}
		s, ok := b.tbl.lookup(fd)
		if !ok || s.handler == nil {
			continue
		}
		s.handler(epollToEvents(b.eventBuf[i].Events))
		handled++
	}

	if n == 0 && !woken {
		b.spuriousRuns++
		if b.spuriousRuns >= spuriousWakeupThreshold {
			logging.ReactorRebuild(0, "spurious-wakeup-threshold", b.spuriousRuns)
			if err := b.governor.rebuild(b.rebuild); err != nil {
				return handled, err
			}
		}
	} else {
		b.spuriousRuns = 0
	}

	if b.cancelledN >= cancelledCompactionThreshold {
		b.cancelledN = 0
		unix.EpollWait(b.epfd, b.eventBuf[:], 0)
	}

	return handled, nil
}

// rebuild recreates the epoll instance and re-registers every live
// handle, preserving interest masks, per spec §4.D's spurious-wakeup
// workaround.
func (b *epollBackend) rebuild() error {
	newEpfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}

	b.tbl.mu.RLock()
	type live struct {
		fd       int
		interest Events
	}
	var liveFDs []live
	for fd := 0; fd < maxFDs; fd++ {
		if b.tbl.fds[fd].active {
			liveFDs = append(liveFDs, live{fd, b.tbl.fds[fd].interest})
		}
	}
	b.tbl.mu.RUnlock()

	for _, l := range liveFDs {
		ev := &unix.EpollEvent{Events: eventsToEpoll(l.interest), Fd: int32(l.fd)}
		unix.EpollCtl(newEpfd, unix.EPOLL_CTL_ADD, l.fd, ev)
	}
	if err := unix.EpollCtl(newEpfd, unix.EPOLL_CTL_ADD, b.wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(b.wakeFD),
	}); err != nil {
		unix.Close(newEpfd)
		return err
	}

	old := b.epfd
	b.epfd = newEpfd
	b.spuriousRuns = 0
	return unix.Close(old)
}

// handleIOError implements spec §4.D's failure semantics for the wait
// call: rebuild the backend and take one pass-through sleep (the governor
// does the sleeping when the rebuild itself fails).
func (b *epollBackend) handleIOError(err error) error {
	logging.ReactorRebuild(0, "io-error", b.spuriousRuns)
	if rebuildErr := b.governor.rebuild(b.rebuild); rebuildErr != nil {
		return rebuildErr
	}
	time.Sleep(time.Second)
	return err
}

func (b *epollBackend) Close() error {
	b.closed = true
	unix.Close(b.wakeFD)
	return unix.Close(b.epfd)
}

func eventsToEpoll(events Events) uint32 {
	var e uint32
	if events&Read != 0 {
		e |= unix.EPOLLIN
	}
	if events&Write != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= Read
	}
	if e&unix.EPOLLOUT != 0 {
		events |= Write
	}
	if e&unix.EPOLLERR != 0 {
		events |= Error
	}
	if e&unix.EPOLLHUP != 0 {
		events |= Hangup
	}
	return events
}
