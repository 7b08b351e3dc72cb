//go:build linux

package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEpollBackend_RegisterAndDispatchReadEvent(t *testing.T) {
	b, err := NewEpoll()
	require.NoError(t, err)
	defer b.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var got atomic.Int32
	_, err = b.Register(fds[0], Read, func(ev Events) {
		if ev&Read != 0 {
			got.Add(1)
		}
		var buf [1]byte
		unix.Read(fds[0], buf[:])
	})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte{1})
	require.NoError(t, err)

	n, err := b.Run(nil, true, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
	require.Equal(t, int32(1), got.Load())
}

func TestEpollBackend_WakeupUnblocksRun(t *testing.T) {
	b, err := NewEpoll()
	require.NoError(t, err)
	defer b.Close()

	done := make(chan struct{})
	go func() {
		b.Run(nil, false, time.Time{})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Wakeup()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Wakeup")
	}
}

func TestEpollBackend_CancelStopsDispatch(t *testing.T) {
	b, err := NewEpoll()
	require.NoError(t, err)
	defer b.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var got atomic.Int32
	reg, err := b.Register(fds[0], Read, func(Events) { got.Add(1) })
	require.NoError(t, err)
	require.NoError(t, b.Cancel(reg))

	unix.Write(fds[1], []byte{1})
	b.Run(nil, true, time.Now().Add(50*time.Millisecond))

	require.Equal(t, int32(0), got.Load())
}
