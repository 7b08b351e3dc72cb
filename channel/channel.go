// Package channel implements the per-connection pipeline and channel
// abstraction of spec §4.G: an ordered chain of handlers threaded through
// a Channel that owns identity, lifecycle state, an attribute map,
// per-channel configuration, and an outbound buffer with watermark-based
// backpressure.
package channel

import (
	"fmt"
	"sync/atomic"

	"github.com/dmitrywald/reactorcore/attribute"
	"github.com/dmitrywald/reactorcore/future"
	"github.com/dmitrywald/reactorcore/loop"
	"github.com/dmitrywald/reactorcore/rerrors"
	"github.com/google/uuid"
)

// State is a channel's lifecycle stage.
type State int32

const (
	StateUnregistered State = iota
	StateRegistered
	StateActive
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var channelIDs atomic.Uint64

// Channel is one connection's identity, state machine, pipeline,
// attribute map, config, and outbound buffer. Every method that crosses
// the pipeline (Bind/Connect/.../WriteAndFlush) returns a Promise and is
// safe to call from any goroutine: the call itself is marshalled onto the
// channel's loop if necessary.
type Channel struct {
	id       uint64
	traceID  string
	l        *loop.Loop
	pipeline *Pipeline
	attrs    *attribute.Map
	config   *Config
	unsafe   Unsafe

	state atomic.Int32

	localAddr  atomic.Pointer[string]
	remoteAddr atomic.Pointer[string]

	outboundBytes  atomic.Int64
	writable       atomic.Bool
	everRegistered atomic.Bool

	closePromise *Promise
}

// NewChannel constructs a Channel assigned to l, whose transport is
// produced by newUnsafe once the channel's identity is available (a
// Channel and its Unsafe are mutually referential: Unsafe needs the
// Channel to call back into on I/O completion, and the Channel needs its
// Unsafe to drive outbound operations).
func NewChannel(l *loop.Loop, newUnsafe func(*Channel) Unsafe) *Channel {
	c := &Channel{
		id:      channelIDs.Add(1),
		traceID: uuid.NewString(),
		l:       l,
		attrs:   attribute.NewMap(),
		config:  NewConfig(),
	}
	c.writable.Store(true)
	c.pipeline = newPipeline(c)
	c.unsafe = newUnsafe(c)
	c.closePromise = future.New[struct{}](c)
	return c
}

// ID returns a process-unique identifier for this channel.
func (c *Channel) ID() uint64 { return c.id }

// TraceID returns a globally unique correlation id for this channel,
// suitable for joining log lines across processes — independent of ID,
// which is only unique within this process's lifetime.
func (c *Channel) TraceID() string { return c.traceID }

// Loop returns the event loop this channel is bound to.
func (c *Channel) Loop() *loop.Loop { return c.l }

// Pipeline returns the channel's handler pipeline.
func (c *Channel) Pipeline() *Pipeline { return c.pipeline }

// Attrs returns the channel's attribute map, for use with attribute.Attr.
func (c *Channel) Attrs() *attribute.Map { return c.attrs }

// Config returns the channel's option set.
func (c *Channel) Config() *Config { return c.config }

// State returns the channel's current lifecycle stage.
func (c *Channel) State() State { return State(c.state.Load()) }

// IsActive reports whether the channel is connected and open.
func (c *Channel) IsActive() bool { return c.State() == StateActive }

// IsWritable reports whether the outbound buffer is below the high
// watermark (or has drained back below the low one), per the hysteresis
// in spec §4.G.
func (c *Channel) IsWritable() bool { return c.writable.Load() }

// LocalAddr returns the bound local address, or "" if unbound.
func (c *Channel) LocalAddr() string {
	if p := c.localAddr.Load(); p != nil {
		return *p
	}
	return ""
}

// RemoteAddr returns the connected peer address, or "" if unconnected.
func (c *Channel) RemoteAddr() string {
	if p := c.remoteAddr.Load(); p != nil {
		return *p
	}
	return ""
}

// CloseFuture completes once the channel has fully closed.
func (c *Channel) CloseFuture() *Promise { return c.closePromise }

// Execute and InExecutor make Channel a future.Executor: promises
// returned by channel operations, and each HandlerContext by default,
// schedule their continuations on the channel's own loop.
func (c *Channel) Execute(fn func()) { c.l.Execute(fn) }
func (c *Channel) InExecutor() bool  { return c.l.InEventLoop() }

func (c *Channel) newPromise() *Promise { return NewPromise(c) }

// closed reports whether the channel has been registered at some point and
// has since unregistered, i.e. it is closed for good rather than merely not
// yet opened.
func (c *Channel) closed() bool {
	return c.State() == StateUnregistered && c.everRegistered.Load()
}

// Bind requests the transport bind to localAddr.
func (c *Channel) Bind(localAddr string) *Promise {
	p := c.newPromise()
	if c.closed() {
		p.TryFailure(&rerrors.ChannelClosedError{Message: "channel: bind after close"})
		return p
	}
	c.pipeline.Bind(localAddr, p)
	return p
}

// Connect requests the transport connect to remoteAddr.
func (c *Channel) Connect(remoteAddr string) *Promise {
	p := c.newPromise()
	if c.closed() {
		p.TryFailure(&rerrors.ChannelClosedError{Message: "channel: connect after close"})
		return p
	}
	c.pipeline.Connect(remoteAddr, "", p)
	return p
}

// Disconnect requests a protocol-level disconnect (meaningful for
// connection-oriented transports that distinguish disconnect from
// close, e.g. SCTP associations); for TCP this behaves like Close.
func (c *Channel) Disconnect() *Promise {
	p := c.newPromise()
	if c.closed() {
		p.TrySuccess(struct{}{})
		return p
	}
	c.pipeline.Disconnect(p)
	return p
}

// Close requests the transport close. Safe to call more than once; every
// caller observes the same CloseFuture.
func (c *Channel) Close() *Promise {
	p := c.newPromise()
	c.pipeline.Close(p)
	return p
}

// Deregister removes the channel from its event loop's reactor without
// closing the transport. The channel's loop is fixed at construction and
// there is no call to register it again, on this loop or another; once
// deregistered, the channel counts as closed for Bind/Connect/Write.
func (c *Channel) Deregister() *Promise {
	p := c.newPromise()
	c.pipeline.Deregister(p)
	return p
}

// Read requests one more read pass if auto-read is disabled.
func (c *Channel) Read() *Channel {
	c.pipeline.Read()
	return c
}

// Write enqueues msg on the outbound buffer without flushing. Fails
// immediately with a ChannelClosedError once the channel has
// unregistered, rather than queuing into a transport that will never
// flush it.
func (c *Channel) Write(msg any) *Promise {
	p := c.newPromise()
	if c.closed() {
		p.TryFailure(&rerrors.ChannelClosedError{Message: "channel: write after close"})
		return p
	}
	c.pipeline.Write(msg, p)
	return p
}

// Flush requests the transport drain the outbound buffer. A no-op once the
// channel has closed, since there is nothing left to flush to.
func (c *Channel) Flush() *Channel {
	if c.closed() {
		return c
	}
	c.pipeline.Flush()
	return c
}

// WriteAndFlush is Write followed by Flush.
func (c *Channel) WriteAndFlush(msg any) *Promise {
	p := c.newPromise()
	if c.closed() {
		p.TryFailure(&rerrors.ChannelClosedError{Message: "channel: write after close"})
		return p
	}
	c.pipeline.Write(msg, p)
	c.pipeline.Flush()
	return p
}

// Listener is implemented by an Unsafe that supports a separate listen
// step after Bind (tcpUnsafe, for ServerBootstrap); transports with no
// such concept simply don't implement it.
type Listener interface {
	listen(backlog int) error
}

// Listen starts accepting connections on a bound channel. Returns an
// error if the channel's transport has no listen step.
func (c *Channel) Listen(backlog int) error {
	l, ok := c.unsafe.(Listener)
	if !ok {
		return fmt.Errorf("channel: transport does not support Listen")
	}
	return l.listen(backlog)
}

// --- lifecycle callbacks invoked by an Unsafe implementation ---

// MarkRegistered transitions Unregistered -> Registered and fires the
// pipeline's ChannelRegistered event. Called once by the transport when it
// first takes hold of a socket (tcpUnsafe: on bind, connect or accept);
// for bind and connect this precedes the socket's reactor registration.
func (c *Channel) MarkRegistered() {
	c.everRegistered.Store(true)
	c.state.Store(int32(StateRegistered))
	c.pipeline.FireChannelRegistered()
}

// MarkActive transitions to Active (connected/bound and open) and fires
// ChannelActive.
func (c *Channel) MarkActive(localAddr, remoteAddr string) {
	if localAddr != "" {
		c.localAddr.Store(&localAddr)
	}
	if remoteAddr != "" {
		c.remoteAddr.Store(&remoteAddr)
	}
	c.state.Store(int32(StateActive))
	c.pipeline.FireChannelActive()
}

// MarkInactive transitions to Inactive and fires ChannelInactive; called
// once the transport has observed EOF or a close.
func (c *Channel) MarkInactive() {
	if State(c.state.Swap(int32(StateInactive))) == StateInactive {
		return
	}
	c.pipeline.FireChannelInactive()
}

// MarkUnregistered fires ChannelUnregistered and, the first time only,
// completes CloseFuture.
func (c *Channel) MarkUnregistered() {
	c.state.Store(int32(StateUnregistered))
	c.pipeline.FireChannelUnregistered()
	c.closePromise.TrySuccess(struct{}{})
}

// AdjustOutboundBuffer applies delta (positive on enqueue, negative on
// drain) to the outbound byte count and flips IsWritable at the
// configured high/low watermarks, firing ChannelWritabilityChanged on
// every flip (never on every byte, which is what makes this hysteresis
// rather than a bare threshold check).
func (c *Channel) AdjustOutboundBuffer(delta int) {
	size := c.outboundBytes.Add(int64(delta))
	mark := WriteBufferWaterMark.Get(c.config)
	switch {
	case c.writable.Load() && size > int64(mark.High):
		c.writable.Store(false)
		c.pipeline.FireChannelWritabilityChanged()
	case !c.writable.Load() && size < int64(mark.Low):
		c.writable.Store(true)
		c.pipeline.FireChannelWritabilityChanged()
	}
}
