package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoopInBackground(t *testing.T, l *Loop) {
	t.Helper()
	go func() {
		_ = l.Run(context.Background())
	}()
}

func TestLoop_ExecuteRunsOnLoopGoroutine(t *testing.T) {
	l := New(newFakeBackend())
	runLoopInBackground(t, l)

	var sawInEventLoop atomic.Bool
	done := make(chan struct{})
	l.Execute(func() {
		sawInEventLoop.Store(l.InEventLoop())
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.True(t, sawInEventLoop.Load())

	l.ShutdownGracefully(0, time.Second).Await(context.Background())
}

func TestLoop_InEventLoopFalseFromOutside(t *testing.T) {
	l := New(newFakeBackend())
	runLoopInBackground(t, l)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, l.InEventLoop())
	l.ShutdownGracefully(0, time.Second).Await(context.Background())
}

func TestLoop_ScheduleFiresAfterDelay(t *testing.T) {
	l := New(newFakeBackend())
	runLoopInBackground(t, l)

	start := time.Now()
	fired := make(chan time.Time, 1)
	l.Schedule(30*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("scheduled task never fired")
	}

	l.ShutdownGracefully(0, time.Second).Await(context.Background())
}

func TestLoop_ScheduleCancelPreventsExecution(t *testing.T) {
	l := New(newFakeBackend())
	runLoopInBackground(t, l)

	var fired atomic.Bool
	sf := l.Schedule(30*time.Millisecond, func() { fired.Store(true) })
	ok := sf.Cancel()
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())

	l.ShutdownGracefully(0, time.Second).Await(context.Background())
}

func TestLoop_ShutdownGracefullyCompletesWithNoQuietTasks(t *testing.T) {
	l := New(newFakeBackend())
	runLoopInBackground(t, l)

	p := l.ShutdownGracefully(10*time.Millisecond, time.Second)
	err := p.Await(context.Background())
	require.NoError(t, err)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop goroutine did not stop")
	}
	assert.Equal(t, StateTerminated, l.State())
}

func TestLoop_ShutdownBeforeRunTerminatesImmediately(t *testing.T) {
	l := New(newFakeBackend())
	p := l.ShutdownGracefully(time.Millisecond, time.Second)
	err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, l.State())
}

func TestLoop_ExecuteOrderingPreserved(t *testing.T) {
	l := New(newFakeBackend())
	runLoopInBackground(t, l)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		l.Execute(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}

	l.ShutdownGracefully(0, time.Second).Await(context.Background())
}

func TestLoop_ContextCancellationStopsLoop(t *testing.T) {
	l := New(newFakeBackend())
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestLoop_WithoutMetricsOptionMetricsIsNil(t *testing.T) {
	l := New(newFakeBackend())
	assert.Nil(t, l.Metrics())
}

func TestLoop_WithMetricsTracksTaskLatencyAndThroughput(t *testing.T) {
	l := New(newFakeBackend(), WithMetrics())
	require.NotNil(t, l.Metrics())
	runLoopInBackground(t, l)

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		l.Execute(func() {
			time.Sleep(time.Millisecond)
			wg.Done()
		})
	}
	wg.Wait()
	// Latency is recorded after each task body returns, so the last record
	// can land just after wg.Wait releases.
	require.Eventually(t, func() bool { return l.Metrics().Task.Snapshot().Count >= 5 }, time.Second, time.Millisecond)

	snap := l.Metrics().Task.Snapshot()
	assert.Equal(t, 5, snap.Count)
	assert.GreaterOrEqual(t, snap.Max, time.Millisecond)

	l.ShutdownGracefully(0, time.Second).Await(context.Background())
}
