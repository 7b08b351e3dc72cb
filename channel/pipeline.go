package channel

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/dmitrywald/reactorcore/future"
	"github.com/dmitrywald/reactorcore/logging"
	"github.com/dmitrywald/reactorcore/rerrors"
)

// HandlerContext is one node in the pipeline's doubly-linked handler
// chain. It is the "next"/"prev" a handler uses to continue propagating
// an event, and the self a handler uses to identify or remove itself.
type HandlerContext struct {
	name     string
	handler  Handler
	pipeline *Pipeline
	prev     *HandlerContext
	next     *HandlerContext
	executor Executor
	removed  bool
}

// Executor is the minimal scheduling surface a HandlerContext needs;
// Channel satisfies it by delegating to its assigned loop. Every context
// the pipeline creates is bound to the channel itself; there is no way to
// bind a context to a different executor.
type Executor = future.Executor

// Name returns this context's unique name within its pipeline.
func (c *HandlerContext) Name() string { return c.name }

// Handler returns the handler this context wraps.
func (c *HandlerContext) Handler() Handler { return c.handler }

// Channel returns the owning channel.
func (c *HandlerContext) Channel() *Channel { return c.pipeline.channel }

// invoke runs fn on this context's executor, recovering a handler panic
// and re-firing it as exceptionCaught starting at the next context —
// spec §4.G/§7's "handler exceptions are caught at the invoking context
// and fired as exceptionCaught on the same pipeline starting at the next
// handler".
func (c *HandlerContext) invoke(fn func()) {
	guarded := func() {
		defer c.recoverAndFire()
		fn()
	}
	if c.executor.InExecutor() {
		guarded()
		return
	}
	c.executor.Execute(guarded)
}

func (c *HandlerContext) recoverAndFire() {
	r := recover()
	if r == nil {
		return
	}
	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("%v", r)
	}
	logging.HandlerPanic(c.Channel().ID(), c.name, cause)
	c.FireExceptionCaught(&rerrors.HandlerError{HandlerName: c.name, Cause: cause})
}

// --- inbound propagation (Head -> Tail) ---

func (c *HandlerContext) nextInbound() *HandlerContext {
	ctx := c.next
	for ctx != nil && ctx.removed {
		ctx = ctx.next
	}
	return ctx
}

func (c *HandlerContext) FireChannelRegistered() {
	if n := c.nextInbound(); n != nil {
		n.invoke(func() { n.handler.(InboundHandler).ChannelRegistered(n) })
	}
}

func (c *HandlerContext) FireChannelUnregistered() {
	if n := c.nextInbound(); n != nil {
		n.invoke(func() { n.handler.(InboundHandler).ChannelUnregistered(n) })
	}
}

func (c *HandlerContext) FireChannelActive() {
	if n := c.nextInbound(); n != nil {
		n.invoke(func() { n.handler.(InboundHandler).ChannelActive(n) })
	}
}

func (c *HandlerContext) FireChannelInactive() {
	if n := c.nextInbound(); n != nil {
		n.invoke(func() { n.handler.(InboundHandler).ChannelInactive(n) })
	}
}

func (c *HandlerContext) FireChannelRead(msg any) {
	if n := c.nextInbound(); n != nil {
		n.invoke(func() { n.handler.(InboundHandler).ChannelRead(n, msg) })
	}
}

func (c *HandlerContext) FireChannelReadComplete() {
	if n := c.nextInbound(); n != nil {
		n.invoke(func() { n.handler.(InboundHandler).ChannelReadComplete(n) })
	}
}

func (c *HandlerContext) FireUserEventTriggered(evt any) {
	if n := c.nextInbound(); n != nil {
		n.invoke(func() { n.handler.(InboundHandler).UserEventTriggered(n, evt) })
	}
}

func (c *HandlerContext) FireChannelWritabilityChanged() {
	if n := c.nextInbound(); n != nil {
		n.invoke(func() { n.handler.(InboundHandler).ChannelWritabilityChanged(n) })
	}
}

func (c *HandlerContext) FireExceptionCaught(cause error) {
	if n := c.nextInbound(); n != nil {
		n.invoke(func() { n.handler.(InboundHandler).ExceptionCaught(n, cause) })
	}
}

// --- outbound propagation (Tail -> Head) ---

func (c *HandlerContext) prevOutbound() *HandlerContext {
	ctx := c.prev
	for ctx != nil && ctx.removed {
		ctx = ctx.prev
	}
	return ctx
}

func (c *HandlerContext) Bind(localAddr string, promise *Promise) {
	if p := c.prevOutbound(); p != nil {
		p.invoke(func() { p.handler.(OutboundHandler).Bind(p, localAddr, promise) })
	}
}

func (c *HandlerContext) Connect(remoteAddr, localAddr string, promise *Promise) {
	if p := c.prevOutbound(); p != nil {
		p.invoke(func() { p.handler.(OutboundHandler).Connect(p, remoteAddr, localAddr, promise) })
	}
}

func (c *HandlerContext) Disconnect(promise *Promise) {
	if p := c.prevOutbound(); p != nil {
		p.invoke(func() { p.handler.(OutboundHandler).Disconnect(p, promise) })
	}
}

func (c *HandlerContext) Close(promise *Promise) {
	if p := c.prevOutbound(); p != nil {
		p.invoke(func() { p.handler.(OutboundHandler).Close(p, promise) })
	}
}

func (c *HandlerContext) Deregister(promise *Promise) {
	if p := c.prevOutbound(); p != nil {
		p.invoke(func() { p.handler.(OutboundHandler).Deregister(p, promise) })
	}
}

func (c *HandlerContext) Read() {
	if p := c.prevOutbound(); p != nil {
		p.invoke(func() { p.handler.(OutboundHandler).Read(p) })
	}
}

func (c *HandlerContext) Write(msg any, promise *Promise) {
	if p := c.prevOutbound(); p != nil {
		p.invoke(func() { p.handler.(OutboundHandler).Write(p, msg, promise) })
	}
}

func (c *HandlerContext) Flush() {
	if p := c.prevOutbound(); p != nil {
		p.invoke(func() { p.handler.(OutboundHandler).Flush(p) })
	}
}

// Pipeline is the per-channel, ordered handler chain (spec §4.G). Head
// terminates the outbound chain at the transport and originates the
// inbound chain; Tail originates the outbound chain and terminates the
// inbound chain with a default unhandled-event log.
type Pipeline struct {
	mu      sync.Mutex
	channel *Channel
	head    *HandlerContext
	tail    *HandlerContext
	names   map[string]int // disambiguating counters per type name
}

func newPipeline(ch *Channel) *Pipeline {
	p := &Pipeline{channel: ch, names: make(map[string]int)}
	head := &HandlerContext{name: "head", handler: &headHandler{ch: ch}, pipeline: p, executor: ch}
	tail := &HandlerContext{name: "tail", handler: &tailHandler{}, pipeline: p, executor: ch}
	head.next = tail
	tail.prev = head
	p.head, p.tail = head, tail
	return p
}

// uniqueName synthesizes a name when name is empty, per spec §4.G: the
// handler's type name for the first handler of that type, then
// "TypeName#N" (N = 1, 2, ...) for later ones. A non-empty name is
// returned as given.
func (p *Pipeline) uniqueName(name string, handler Handler) string {
	if name != "" {
		return name
	}
	base := reflect.TypeOf(handler).String()
	n := p.names[base]
	p.names[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s#%d", base, n)
}

func (p *Pipeline) insert(name string, handler Handler, before, after *HandlerContext) *HandlerContext {
	p.mu.Lock()
	name = p.uniqueName(name, handler)
	ctx := &HandlerContext{name: name, handler: handler, pipeline: p, executor: p.channel}
	ctx.prev = after
	ctx.next = before
	after.next = ctx
	before.prev = ctx
	p.mu.Unlock()

	ctx.invoke(func() { handler.HandlerAdded(ctx) })
	return ctx
}

// AddFirst inserts handler immediately after Head.
func (p *Pipeline) AddFirst(name string, handler Handler) *HandlerContext {
	return p.insert(name, handler, p.head.next, p.head)
}

// AddLast inserts handler immediately before Tail.
func (p *Pipeline) AddLast(name string, handler Handler) *HandlerContext {
	return p.insert(name, handler, p.tail, p.tail.prev)
}

// AddBefore inserts handler immediately before the context named baseName.
func (p *Pipeline) AddBefore(baseName, name string, handler Handler) (*HandlerContext, error) {
	base, err := p.Context(baseName)
	if err != nil {
		return nil, err
	}
	return p.insert(name, handler, base, base.prev), nil
}

// AddAfter inserts handler immediately after the context named baseName.
func (p *Pipeline) AddAfter(baseName, name string, handler Handler) (*HandlerContext, error) {
	base, err := p.Context(baseName)
	if err != nil {
		return nil, err
	}
	return p.insert(name, handler, base.next, base), nil
}

// Context looks up a handler context by name.
func (p *Pipeline) Context(name string) (*HandlerContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ctx := p.head.next; ctx != p.tail; ctx = ctx.next {
		if ctx.name == name && !ctx.removed {
			return ctx, nil
		}
	}
	return nil, fmt.Errorf("channel: no handler named %q", name)
}

// Remove detaches the named handler. Permitted to be called from within
// the handler's own method execution: the current invocation completes
// normally, but the context is marked removed so subsequent fires skip it
// (spec §4.G's pipeline-mutation-race rule).
func (p *Pipeline) Remove(name string) error {
	ctx, err := p.Context(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	ctx.prev.next = ctx.next
	ctx.next.prev = ctx.prev
	ctx.removed = true
	p.mu.Unlock()

	ctx.invoke(func() { ctx.handler.HandlerRemoved(ctx) })
	return nil
}

// Replace swaps the named handler for a new one in place, preserving
// position.
func (p *Pipeline) Replace(oldName, newName string, handler Handler) (*HandlerContext, error) {
	old, err := p.Context(oldName)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	newName = p.uniqueName(newName, handler)
	ctx := &HandlerContext{name: newName, handler: handler, pipeline: p, executor: p.channel, prev: old.prev, next: old.next}
	old.prev.next = ctx
	old.next.prev = ctx
	old.removed = true
	p.mu.Unlock()

	old.invoke(func() { old.handler.HandlerRemoved(old) })
	ctx.invoke(func() { handler.HandlerAdded(ctx) })
	return ctx, nil
}

// --- inbound entry points, invoked by the transport/unsafe layer ---

func (p *Pipeline) FireChannelRegistered() {
	p.head.invoke(func() { p.head.handler.(InboundHandler).ChannelRegistered(p.head) })
}
func (p *Pipeline) FireChannelUnregistered() {
	p.head.invoke(func() { p.head.handler.(InboundHandler).ChannelUnregistered(p.head) })
}
func (p *Pipeline) FireChannelActive() {
	p.head.invoke(func() { p.head.handler.(InboundHandler).ChannelActive(p.head) })
}
func (p *Pipeline) FireChannelInactive() {
	p.head.invoke(func() { p.head.handler.(InboundHandler).ChannelInactive(p.head) })
}
func (p *Pipeline) FireChannelRead(msg any) {
	p.head.invoke(func() { p.head.handler.(InboundHandler).ChannelRead(p.head, msg) })
}
func (p *Pipeline) FireChannelReadComplete() {
	p.head.invoke(func() { p.head.handler.(InboundHandler).ChannelReadComplete(p.head) })
}
func (p *Pipeline) FireUserEventTriggered(evt any) {
	p.head.invoke(func() { p.head.handler.(InboundHandler).UserEventTriggered(p.head, evt) })
}
func (p *Pipeline) FireChannelWritabilityChanged() {
	p.head.invoke(func() { p.head.handler.(InboundHandler).ChannelWritabilityChanged(p.head) })
}
func (p *Pipeline) FireExceptionCaught(cause error) {
	p.head.invoke(func() { p.head.handler.(InboundHandler).ExceptionCaught(p.head, cause) })
}

// --- outbound entry points, invoked by the public Channel API ---

func (p *Pipeline) Bind(localAddr string, promise *Promise) {
	p.tail.invoke(func() { p.tail.handler.(OutboundHandler).Bind(p.tail, localAddr, promise) })
}
func (p *Pipeline) Connect(remoteAddr, localAddr string, promise *Promise) {
	p.tail.invoke(func() { p.tail.handler.(OutboundHandler).Connect(p.tail, remoteAddr, localAddr, promise) })
}
func (p *Pipeline) Disconnect(promise *Promise) {
	p.tail.invoke(func() { p.tail.handler.(OutboundHandler).Disconnect(p.tail, promise) })
}
func (p *Pipeline) Close(promise *Promise) {
	p.tail.invoke(func() { p.tail.handler.(OutboundHandler).Close(p.tail, promise) })
}
func (p *Pipeline) Deregister(promise *Promise) {
	p.tail.invoke(func() { p.tail.handler.(OutboundHandler).Deregister(p.tail, promise) })
}
func (p *Pipeline) Read() {
	p.tail.invoke(func() { p.tail.handler.(OutboundHandler).Read(p.tail) })
}
func (p *Pipeline) Write(msg any, promise *Promise) {
	p.tail.invoke(func() { p.tail.handler.(OutboundHandler).Write(p.tail, msg, promise) })
}
func (p *Pipeline) Flush() {
	p.tail.invoke(func() { p.tail.handler.(OutboundHandler).Flush(p.tail) })
}

// tailHandler terminates the inbound chain. A message or exception that
// reaches it unconsumed is logged rather than silently dropped — mirroring
// Netty's DefaultChannelPipeline$TailContext; every other inbound event
// ends here without a log line.
type tailHandler struct{ BaseHandler }

func (tailHandler) ChannelRegistered(*HandlerContext)   {}
func (tailHandler) ChannelUnregistered(*HandlerContext) {}
func (tailHandler) ChannelActive(*HandlerContext)       {}
func (tailHandler) ChannelInactive(*HandlerContext)     {}
func (tailHandler) ChannelRead(ctx *HandlerContext, msg any) {
	logging.Warn("channel", "message reached tail unhandled", map[string]any{
		"channel": ctx.Channel().ID(),
		"type":    fmt.Sprintf("%T", msg),
	})
}
func (tailHandler) ChannelReadComplete(*HandlerContext)        {}
func (tailHandler) UserEventTriggered(*HandlerContext, any)    {}
func (tailHandler) ChannelWritabilityChanged(*HandlerContext) {}
func (tailHandler) ExceptionCaught(ctx *HandlerContext, cause error) {
	logging.Error("channel", "exception reached tail unhandled", cause, map[string]any{
		"channel": ctx.Channel().ID(),
	})
}

// outbound pass-through so Tail can originate the outbound chain when
// invoked directly by Pipeline's public entry points above.
func (tailHandler) Bind(ctx *HandlerContext, localAddr string, promise *Promise) {
	ctx.Bind(localAddr, promise)
}
func (tailHandler) Connect(ctx *HandlerContext, remoteAddr, localAddr string, promise *Promise) {
	ctx.Connect(remoteAddr, localAddr, promise)
}
func (tailHandler) Disconnect(ctx *HandlerContext, promise *Promise) { ctx.Disconnect(promise) }
func (tailHandler) Close(ctx *HandlerContext, promise *Promise)      { ctx.Close(promise) }
func (tailHandler) Deregister(ctx *HandlerContext, promise *Promise) { ctx.Deregister(promise) }
func (tailHandler) Read(ctx *HandlerContext)                        { ctx.Read() }
func (tailHandler) Write(ctx *HandlerContext, msg any, promise *Promise) {
	ctx.Write(msg, promise)
}
func (tailHandler) Flush(ctx *HandlerContext) { ctx.Flush() }

// headHandler terminates the outbound chain at the transport (delegating
// to the channel's Unsafe) and originates the inbound chain.
type headHandler struct {
	BaseHandler
	ch *Channel
}

func (h *headHandler) Bind(ctx *HandlerContext, localAddr string, promise *Promise) {
	h.ch.unsafe.bind(localAddr, promise)
}
func (h *headHandler) Connect(ctx *HandlerContext, remoteAddr, localAddr string, promise *Promise) {
	h.ch.unsafe.connect(remoteAddr, localAddr, promise)
}
func (h *headHandler) Disconnect(ctx *HandlerContext, promise *Promise) {
	h.ch.unsafe.disconnect(promise)
}
func (h *headHandler) Close(ctx *HandlerContext, promise *Promise) { h.ch.unsafe.closeTransport(promise) }
func (h *headHandler) Deregister(ctx *HandlerContext, promise *Promise) {
	h.ch.unsafe.deregister(promise)
}
func (h *headHandler) Read(ctx *HandlerContext)                          { h.ch.unsafe.doRead() }
func (h *headHandler) Write(ctx *HandlerContext, msg any, promise *Promise) {
	h.ch.unsafe.doWrite(msg, promise)
}
func (h *headHandler) Flush(ctx *HandlerContext) { h.ch.unsafe.doFlush() }

func (h *headHandler) ChannelRegistered(ctx *HandlerContext)   { ctx.FireChannelRegistered() }
func (h *headHandler) ChannelUnregistered(ctx *HandlerContext) { ctx.FireChannelUnregistered() }
func (h *headHandler) ChannelActive(ctx *HandlerContext)       { ctx.FireChannelActive() }
func (h *headHandler) ChannelInactive(ctx *HandlerContext)     { ctx.FireChannelInactive() }
func (h *headHandler) ChannelRead(ctx *HandlerContext, msg any) {
	ctx.FireChannelRead(msg)
}
func (h *headHandler) ChannelReadComplete(ctx *HandlerContext) { ctx.FireChannelReadComplete() }
func (h *headHandler) UserEventTriggered(ctx *HandlerContext, evt any) {
	ctx.FireUserEventTriggered(evt)
}
func (h *headHandler) ChannelWritabilityChanged(ctx *HandlerContext) {
	ctx.FireChannelWritabilityChanged()
}
func (h *headHandler) ExceptionCaught(ctx *HandlerContext, cause error) {
	ctx.FireExceptionCaught(cause)
}
