package loop

import (
	"sync"
	"time"

	"github.com/dmitrywald/reactorcore/reactor"
)

// fakeBackend is a minimal in-memory reactor.Backend stand-in for testing
// Loop's task/timer/shutdown machinery without depending on any platform's
// real poller. Run blocks until Wakeup is called or the deadline passes.
type fakeBackend struct {
	mu     sync.Mutex
	cond   *sync.Cond
	woken  bool
	closed bool
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *fakeBackend) Register(fd int, interest reactor.Events, h reactor.Handler) (reactor.Registration, error) {
	return reactor.Registration{}, nil
}

func (b *fakeBackend) Modify(reg reactor.Registration, interest reactor.Events) error { return nil }

func (b *fakeBackend) Cancel(reg reactor.Registration) error { return nil }

func (b *fakeBackend) Run(strategy reactor.Strategy, tasksWaiting bool, deadline time.Time) (int, error) {
	if tasksWaiting {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.woken {
		b.woken = false
		return 0, nil
	}

	if !deadline.IsZero() {
		timer := time.AfterFunc(time.Until(deadline), func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		defer timer.Stop()
	}
	for !b.woken && (deadline.IsZero() || time.Now().Before(deadline)) {
		b.cond.Wait()
	}
	b.woken = false
	return 0, nil
}

func (b *fakeBackend) Wakeup() {
	b.mu.Lock()
	b.woken = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
