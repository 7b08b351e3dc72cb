package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrywald/reactorcore/loop"
	"github.com/dmitrywald/reactorcore/reactor"
	"github.com/dmitrywald/reactorcore/rerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal in-memory reactor.Backend for driving a loop
// under test without a real platform poller.
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

func newTestLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New(newFakeBackend())
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() {
		l.ShutdownGracefully(0, time.Second).Await(context.Background())
	})
	return l
}

// noopUnsafe lets pipeline tests construct a Channel without a real
// socket; every transport-facing call just succeeds immediately.
type noopUnsafe struct{ ch *Channel }

func (u *noopUnsafe) bind(localAddr string, promise *Promise) {
	u.ch.MarkRegistered()
	u.ch.MarkActive(localAddr, "")
	promise.TrySuccess(struct{}{})
}
func (u *noopUnsafe) connect(remoteAddr, localAddr string, promise *Promise) {
	u.ch.MarkRegistered()
	u.ch.MarkActive(localAddr, remoteAddr)
	promise.TrySuccess(struct{}{})
}
func (u *noopUnsafe) disconnect(promise *Promise)     { u.closeTransport(promise) }
func (u *noopUnsafe) closeTransport(promise *Promise) { u.ch.MarkInactive(); u.ch.MarkUnregistered(); promise.TrySuccess(struct{}{}) }
func (u *noopUnsafe) deregister(promise *Promise)     { u.ch.MarkUnregistered(); promise.TrySuccess(struct{}{}) }
func (u *noopUnsafe) doRead()                         {}
func (u *noopUnsafe) doWrite(msg any, promise *Promise) {
	if b, ok := msg.([]byte); ok {
		u.ch.AdjustOutboundBuffer(len(b))
	}
	promise.TrySuccess(struct{}{})
}
func (u *noopUnsafe) doFlush() {}

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	l := newTestLoop(t)
	return NewChannel(l, func(ch *Channel) Unsafe { return &noopUnsafe{ch: ch} })
}

// recordingHandler records, in order, every inbound event name it sees
// and forwards each one, so a chain of them lets a test assert ordering.
type recordingHandler struct {
	BaseInboundHandler
	name string
	out  *[]string
	mu   *sync.Mutex
}

func (h *recordingHandler) ChannelRead(ctx *HandlerContext, msg any) {
	h.mu.Lock()
	*h.out = append(*h.out, h.name)
	h.mu.Unlock()
	ctx.FireChannelRead(msg)
}

func TestPipeline_InboundFiresInAddOrder(t *testing.T) {
	ch := newTestChannel(t)
	var mu sync.Mutex
	var seen []string

	ch.Pipeline().AddLast("a", &recordingHandler{name: "a", out: &seen, mu: &mu})
	ch.Pipeline().AddLast("b", &recordingHandler{name: "b", out: &seen, mu: &mu})
	ch.Pipeline().AddLast("c", &recordingHandler{name: "c", out: &seen, mu: &mu})

	done := make(chan struct{})
	ch.Execute(func() {
		ch.Pipeline().FireChannelRead([]byte("hi"))
		close(done)
	})
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

type recordingOutbound struct {
	BaseOutboundHandler
	name string
	out  *[]string
	mu   *sync.Mutex
}

func (h *recordingOutbound) Write(ctx *HandlerContext, msg any, promise *Promise) {
	h.mu.Lock()
	*h.out = append(*h.out, h.name)
	h.mu.Unlock()
	ctx.Write(msg, promise)
}

func TestPipeline_OutboundFiresTailToHead(t *testing.T) {
	ch := newTestChannel(t)
	var mu sync.Mutex
	var seen []string

	ch.Pipeline().AddLast("a", &recordingOutbound{name: "a", out: &seen, mu: &mu})
	ch.Pipeline().AddLast("b", &recordingOutbound{name: "b", out: &seen, mu: &mu})

	p := ch.Write([]byte("hi"))
	require.NoError(t, p.Await(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b", "a"}, seen)
}

func TestPipeline_UniqueNameDisambiguates(t *testing.T) {
	ch := newTestChannel(t)
	p := ch.Pipeline()
	h1 := &BaseInboundHandler{}
	h2 := &BaseInboundHandler{}

	ctx1 := p.AddLast("", h1)
	ctx2 := p.AddLast("", h2)
	assert.NotEqual(t, ctx1.Name(), ctx2.Name())
}

func TestPipeline_RemoveDetachesHandler(t *testing.T) {
	ch := newTestChannel(t)
	var mu sync.Mutex
	var seen []string
	ch.Pipeline().AddLast("a", &recordingHandler{name: "a", out: &seen, mu: &mu})
	ch.Pipeline().AddLast("b", &recordingHandler{name: "b", out: &seen, mu: &mu})

	require.NoError(t, ch.Pipeline().Remove("a"))

	done := make(chan struct{})
	ch.Execute(func() {
		ch.Pipeline().FireChannelRead([]byte("hi"))
		close(done)
	})
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b"}, seen)
}

func TestPipeline_ContextLookupMissingReturnsError(t *testing.T) {
	ch := newTestChannel(t)
	_, err := ch.Pipeline().Context("nope")
	assert.Error(t, err)
}

type panickingHandler struct {
	BaseInboundHandler
}

func (panickingHandler) ChannelRead(ctx *HandlerContext, msg any) {
	panic("boom")
}

type exceptionRecorder struct {
	BaseInboundHandler
	mu   *sync.Mutex
	seen *[]error
}

func (h *exceptionRecorder) ExceptionCaught(ctx *HandlerContext, cause error) {
	h.mu.Lock()
	*h.seen = append(*h.seen, cause)
	h.mu.Unlock()
}

func TestPipeline_HandlerPanicIsCaughtAndRefiredAsException(t *testing.T) {
	ch := newTestChannel(t)
	var mu sync.Mutex
	var seen []error

	ch.Pipeline().AddLast("panicker", &panickingHandler{})
	ch.Pipeline().AddLast("recorder", &exceptionRecorder{mu: &mu, seen: &seen})

	done := make(chan struct{})
	ch.Execute(func() {
		ch.Pipeline().FireChannelRead([]byte("hi"))
		close(done)
	})
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	var handlerErr *rerrors.HandlerError
	require.ErrorAs(t, seen[0], &handlerErr)
	assert.Equal(t, "panicker", handlerErr.HandlerName)
	assert.EqualError(t, handlerErr.Cause, "boom")
}
