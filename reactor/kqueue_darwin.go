//go:build darwin

package reactor

import (
	"time"

	"github.com/dmitrywald/reactorcore/logging"
	"golang.org/x/sys/unix"
)

const wakeIdent = 1

// kqueueBackend is the readiness-based Backend for Darwin/BSD, grounded
// on eventloop/poller_darwin.go's FastPoller. Wakeup uses an EVFILT_USER
// event instead of Linux's eventfd, since BSD kqueue has no FD-based
// equivalent.
type kqueueBackend struct {
	kq       int
	eventBuf [256]unix.Kevent_t
	tbl      table
	gate     *wakeupGate

	spuriousRuns int
	cancelledN   int
	closed       bool

	governor *rebuildGovernor
}

// NewKqueue constructs a Backend backed by Darwin/BSD kqueue.
func NewKqueue() (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	b := &kqueueBackend{kq: kq, gate: newWakeupGate(), governor: newRebuildGovernor("kqueue")}
	wake := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, err
	}
	return b, nil
}

func kqueueFilters(fd int, interest Events, flags uint16) []unix.Kevent_t {
	var evs []unix.Kevent_t
	if interest&Read != 0 {
		evs = append(evs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if interest&Write != 0 {
		evs = append(evs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return evs
}

func (b *kqueueBackend) Register(fd int, interest Events, h Handler) (Registration, error) {
	reg, err := b.tbl.insert(fd, interest, h)
	if err != nil {
		return Registration{}, err
	}
	evs := kqueueFilters(fd, interest, unix.EV_ADD|unix.EV_ENABLE)
	if len(evs) > 0 {
		if _, err := unix.Kevent(b.kq, evs, nil, nil); err != nil {
			b.tbl.cancel(reg)
			return Registration{}, err
		}
	}
	return reg, nil
}

func (b *kqueueBackend) Modify(reg Registration, interest Events) error {
	old, ok := b.tbl.lookup(reg.fd)
	if !ok || old.id != reg.id {
		return ErrFDNotRegistered
	}
	if err := b.tbl.modify(reg, interest); err != nil {
		return err
	}
	var evs []unix.Kevent_t
	evs = append(evs, kqueueFilters(reg.fd, old.interest&^interest, unix.EV_DELETE)...)
	evs = append(evs, kqueueFilters(reg.fd, interest, unix.EV_ADD|unix.EV_ENABLE)...)
	if len(evs) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, evs, nil, nil)
	return err
}

func (b *kqueueBackend) Cancel(reg Registration) error {
	s, ok := b.tbl.cancel(reg)
	if !ok {
		return ErrFDNotRegistered
	}
	b.cancelledN++
	evs := kqueueFilters(reg.fd, s.interest, unix.EV_DELETE)
	if len(evs) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, evs, nil, nil)
	return err
}

func (b *kqueueBackend) Wakeup() {
	if !b.gate.consume() {
		return
	}
	trigger := unix.Kevent_t{Ident: wakeIdent, Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}
	unix.Kevent(b.kq, []unix.Kevent_t{trigger}, nil, nil)
}

func (b *kqueueBackend) Run(strategy Strategy, tasksWaiting bool, deadline time.Time) (int, error) {
	if b.closed {
		return 0, ErrBackendClosed
	}
	if strategy == nil {
		strategy = DefaultStrategy
	}

	poll := func() (int, error) { return b.waitAndDispatch(&unix.Timespec{}) }
	decision, err := strategy(poll, tasksWaiting)
	if err != nil {
		return 0, b.handleIOError(err)
	}

	switch decision {
	case Continue:
		return 0, nil
	case BusyWait:
		return b.waitAndDispatch(&unix.Timespec{})
	case Block:
		var ts *unix.Timespec
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			t := unix.NsecToTimespec(d.Nanoseconds())
			ts = &t
		}
		return b.waitAndDispatch(ts)
	default:
		return int(decision), nil
	}
}

func (b *kqueueBackend) waitAndDispatch(timeout *unix.Timespec) (int, error) {
	deadline := time.Time{}
	if timeout != nil {
		deadline = time.Now().Add(time.Duration(timeout.Nsec) + time.Duration(timeout.Sec)*time.Second)
	}
	b.gate.armBeforeWait(deadline)
	n, err := unix.Kevent(b.kq, nil, b.eventBuf[:], timeout)
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
		ev := b.eventBuf[i]
		if ev.Filter == unix.EVFILT_USER && ev.Ident == wakeIdent {
			woken = true
			continue
		}
		fd := int(ev.Ident)
		s, ok := b.tbl.lookup(fd)
		if !ok || s.handler == nil {
			continue
		}
		s.handler(kqueueToEvents(ev))
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
		unix.Kevent(b.kq, nil, b.eventBuf[:], &unix.Timespec{})
	}

	return handled, nil
}

func (b *kqueueBackend) rebuild() error {
	newKQ, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(newKQ)

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
		evs := kqueueFilters(l.fd, l.interest, unix.EV_ADD|unix.EV_ENABLE)
		if len(evs) > 0 {
			unix.Kevent(newKQ, evs, nil, nil)
		}
	}
	wake := unix.Kevent_t{Ident: wakeIdent, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR}
	if _, err := unix.Kevent(newKQ, []unix.Kevent_t{wake}, nil, nil); err != nil {
		unix.Close(newKQ)
		return err
	}

	old := b.kq
	b.kq = newKQ
	b.spuriousRuns = 0
	return unix.Close(old)
}

func (b *kqueueBackend) handleIOError(err error) error {
	logging.ReactorRebuild(0, "io-error", b.spuriousRuns)
	if rebuildErr := b.governor.rebuild(b.rebuild); rebuildErr != nil {
		return rebuildErr
	}
	return err
}

func (b *kqueueBackend) Close() error {
	b.closed = true
	return unix.Close(b.kq)
}

func kqueueToEvents(ev unix.Kevent_t) Events {
	var events Events
	switch ev.Filter {
	case unix.EVFILT_READ:
		events |= Read
	case unix.EVFILT_WRITE:
		events |= Write
	}
	if ev.Flags&unix.EV_EOF != 0 {
		events |= Hangup
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		events |= Error
	}
	return events
}
