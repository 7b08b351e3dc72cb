package future

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inlineExecutor runs work synchronously and reports InExecutor true only
// while actively executing, letting tests simulate "the owning loop thread"
// without standing up a real event loop.
type inlineExecutor struct {
	mu       sync.Mutex
	running  bool
	executed []func()
}

func (e *inlineExecutor) Execute(fn func()) {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	fn()
	e.mu.Lock()
	e.running = false
	e.executed = append(e.executed, fn)
	e.mu.Unlock()
}

func (e *inlineExecutor) InExecutor() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func TestPromise_SetSuccess(t *testing.T) {
	p := New[int](&inlineExecutor{})
	require.NoError(t, p.SetSuccess(42))
	assert.True(t, p.IsDone())
	assert.True(t, p.IsSuccess())
	assert.Equal(t, 42, p.Value())
	assert.NoError(t, p.Cause())
}

func TestPromise_DoubleCompleteRejected(t *testing.T) {
	p := New[int](&inlineExecutor{})
	require.NoError(t, p.SetSuccess(1))
	assert.ErrorIs(t, p.SetSuccess(2), ErrAlreadyComplete)
	assert.ErrorIs(t, p.SetFailure(errors.New("too late")), ErrAlreadyComplete)
	assert.False(t, p.Cancel())
	assert.Equal(t, 1, p.Value())
}

func TestPromise_ListenersFireInOrderOnCompletion(t *testing.T) {
	p := New[string](&inlineExecutor{})
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		p.AddListener(func(p *Promise[string]) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	require.NoError(t, p.SetSuccess("done"))
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPromise_ListenerAddedAfterCompletionRunsImmediately(t *testing.T) {
	p := New[int](&inlineExecutor{})
	require.NoError(t, p.SetSuccess(7))

	done := make(chan int, 1)
	p.AddListener(func(p *Promise[int]) {
		done <- p.Value()
	})

	select {
	case v := <-done:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("listener registered after completion never ran")
	}
}

func TestPromise_AwaitDeadlockDetection(t *testing.T) {
	exec := &inlineExecutor{}
	p := New[int](exec)

	var err error
	exec.Execute(func() {
		err = p.Sync()
	})
	assert.ErrorIs(t, err, ErrBlockingOnExecutor)
}

func TestPromise_AwaitUnblocksOnCompletion(t *testing.T) {
	p := New[int](&inlineExecutor{})
	go func() {
		runtime.Gosched()
		require.NoError(t, p.SetSuccess(9))
	}()

	require.NoError(t, p.Sync())
	assert.Equal(t, 9, p.Value())
}

func TestPromise_AwaitContextCancellation(t *testing.T) {
	p := New[int](&inlineExecutor{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPromise_PendingRegistrationSwitchesExecutor(t *testing.T) {
	fallback := &inlineExecutor{}
	real := &inlineExecutor{}

	p := NewPendingRegistration[int](fallback)
	p.AddListener(func(p *Promise[int]) {})
	p.SetExecutor(real)

	require.NoError(t, p.SetSuccess(1))
	assert.Empty(t, fallback.executed, "listener should run on the real executor after SetExecutor")
	assert.NotEmpty(t, real.executed)
}

func TestRegistry_ScavengeDropsSettledKeepsPending(t *testing.T) {
	reg := NewRegistry[int]()

	p1 := New[int](&inlineExecutor{})
	reg.Track(p1)
	require.NoError(t, p1.SetSuccess(1))

	p2 := New[int](&inlineExecutor{})
	reg.Track(p2) // left pending

	reg.Scavenge(10)

	reg.mu.RLock()
	_, p1Present := func() (int, bool) {
		for id, wp := range reg.data {
			if wp.Value() == p1 {
				return int(id), true
			}
		}
		return 0, false
	}()
	_, p2Present := func() (int, bool) {
		for id, wp := range reg.data {
			if wp.Value() == p2 {
				return int(id), true
			}
		}
		return 0, false
	}()
	reg.mu.RUnlock()

	assert.False(t, p1Present, "settled promise should be scavenged")
	assert.True(t, p2Present, "pending promise should remain tracked")
}

func TestRegistry_RejectAll(t *testing.T) {
	reg := NewRegistry[int]()
	p := New[int](&inlineExecutor{})
	reg.Track(p)

	cause := errors.New("shutdown")
	reg.RejectAll(cause)

	assert.True(t, p.IsDone())
	assert.ErrorIs(t, p.Cause(), cause)
}
