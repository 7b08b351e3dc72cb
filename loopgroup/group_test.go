package loopgroup

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrywald/reactorcore/loop"
	"github.com/dmitrywald/reactorcore/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal in-memory reactor.Backend for exercising Group
// without depending on a real platform poller.
type fakeBackend struct {
	mu    sync.Mutex
	cond  *sync.Cond
	woken bool
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *fakeBackend) Register(int, reactor.Events, reactor.Handler) (reactor.Registration, error) {
	return reactor.Registration{}, nil
}
func (b *fakeBackend) Modify(reactor.Registration, reactor.Events) error { return nil }
func (b *fakeBackend) Cancel(reactor.Registration) error                { return nil }

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

func (b *fakeBackend) Close() error { return nil }

func newTestGroup(t *testing.T, n int) *Group {
	t.Helper()
	g, err := New(n, func() (reactor.Backend, error) { return newFakeBackend(), nil })
	require.NoError(t, err)
	return g
}

func TestGroup_DefaultSizeIsTwiceCPUCount(t *testing.T) {
	g := newTestGroup(t, 0)
	assert.Equal(t, 2*runtime.GOMAXPROCS(0), g.Len())
	g.ShutdownGracefully(0, time.Second).Await(context.Background())
}

func TestGroup_NextRoundRobinsPowerOfTwo(t *testing.T) {
	g := newTestGroup(t, 4)
	seen := make(map[*loop.Loop]int)
	for i := 0; i < 8; i++ {
		seen[g.Next()]++
	}
	assert.Len(t, seen, 4)
	for _, count := range seen {
		assert.Equal(t, 2, count)
	}
	g.ShutdownGracefully(0, time.Second).Await(context.Background())
}

func TestGroup_NextRoundRobinsNonPowerOfTwo(t *testing.T) {
	g := newTestGroup(t, 3)
	seen := make(map[*loop.Loop]int)
	for i := 0; i < 9; i++ {
		seen[g.Next()]++
	}
	assert.Len(t, seen, 3)
	for _, count := range seen {
		assert.Equal(t, 3, count)
	}
	g.ShutdownGracefully(0, time.Second).Await(context.Background())
}

func TestGroup_RegisterDelegatesToAnAssignedLoop(t *testing.T) {
	g := newTestGroup(t, 2)

	var gotLoop atomic.Pointer[loop.Loop]
	done := make(chan struct{})
	assigned, err := g.Register(func(l *loop.Loop) {
		gotLoop.Store(l)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("register callback never ran")
	}
	assert.Same(t, assigned, gotLoop.Load())

	g.ShutdownGracefully(0, time.Second).Await(context.Background())
}

func TestGroup_ShutdownGracefullyCompletesAllLoops(t *testing.T) {
	g := newTestGroup(t, 4)

	p := g.ShutdownGracefully(0, time.Second)
	err := p.Await(context.Background())
	require.NoError(t, err)

	for _, l := range g.Loops() {
		select {
		case <-l.Done():
		case <-time.After(time.Second):
			t.Fatal("a loop never terminated")
		}
	}
}

func TestGroup_RegisterAfterShutdownRejected(t *testing.T) {
	g := newTestGroup(t, 2)
	g.ShutdownGracefully(0, time.Second).Await(context.Background())

	_, err := g.Register(func(*loop.Loop) {})
	assert.ErrorIs(t, err, ErrGroupClosed)
}
