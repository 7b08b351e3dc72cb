package bootstrap

import (
	"sync"

	"github.com/dmitrywald/reactorcore/attribute"
	"github.com/dmitrywald/reactorcore/channel"
	"github.com/dmitrywald/reactorcore/logging"
	"github.com/dmitrywald/reactorcore/loop"
	"github.com/dmitrywald/reactorcore/loopgroup"
	"github.com/dmitrywald/reactorcore/rerrors"
)

// ListenChannelFactory constructs the listening (acceptor) channel,
// wiring acceptFn into its transport so every accepted connection is
// handed back to ServerBootstrap.
type ListenChannelFactory func(l *loop.Loop, acceptFn func(fd int, remoteAddr string)) *channel.Channel

// ChildChannelFactory wraps an accepted fd into a child channel bound to
// the given (child-group) loop.
type ChildChannelFactory func(l *loop.Loop, fd int, remoteAddr string) *channel.Channel

// ServerBootstrap assembles and binds a listening channel, installing an
// acceptor that registers each accepted connection onto a (normally
// separate) child group (spec §4.H's server flow).
type ServerBootstrap struct {
	mu sync.Mutex

	group        *loopgroup.Group
	factory      ListenChannelFactory
	options      []optionSetting
	attrs        []attrSetting
	handler      func() channel.Handler

	childGroup   *loopgroup.Group
	childFactory ChildChannelFactory
	childOptions []optionSetting
	childAttrs   []attrSetting
	childHandler func() channel.Handler
}

// NewServer constructs a ServerBootstrap. childGroup is normally distinct
// from group (one acceptor loop, many worker loops), but may be the same
// group for a small server.
func NewServer(group *loopgroup.Group, factory ListenChannelFactory, childGroup *loopgroup.Group, childFactory ChildChannelFactory) *ServerBootstrap {
	return &ServerBootstrap{group: group, factory: factory, childGroup: childGroup, childFactory: childFactory}
}

// Handler sets the acceptor channel's own pipeline handler factory (rare
// — most applications only care about ChildHandler).
func (b *ServerBootstrap) Handler(h func() channel.Handler) *ServerBootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
	return b
}

// ChildHandler sets the handler factory invoked once per accepted
// connection.
func (b *ServerBootstrap) ChildHandler(h func() channel.Handler) *ServerBootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.childHandler = h
	return b
}

// ServerOption queues an option applied to the listening channel itself.
func ServerOption[T any](b *ServerBootstrap, opt channel.ChannelOption[T], value T) *ServerBootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.options = append(b.options, func(cfg *channel.Config) { opt.Set(cfg, value) })
	return b
}

// ChildOption queues an option applied to every accepted child channel.
func ChildOption[T any](b *ServerBootstrap, opt channel.ChannelOption[T], value T) *ServerBootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.childOptions = append(b.childOptions, func(cfg *channel.Config) { opt.Set(cfg, value) })
	return b
}

// ServerAttr queues an attribute applied to the listening channel itself.
func ServerAttr[T any](b *ServerBootstrap, key attribute.Key[T], value T) *ServerBootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attrs = append(b.attrs, func(m *attribute.Map) { attribute.Attr(m, key).Set(value) })
	return b
}

// ChildAttr queues an attribute applied to every accepted child channel.
func ChildAttr[T any](b *ServerBootstrap, key attribute.Key[T], value T) *ServerBootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.childAttrs = append(b.childAttrs, func(m *attribute.Map) { attribute.Attr(m, key).Set(value) })
	return b
}

func (b *ServerBootstrap) validate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group == nil || b.childGroup == nil {
		return &rerrors.ConfigurationError{Message: "bootstrap: group not set"}
	}
	if b.factory == nil || b.childFactory == nil {
		return &rerrors.ConfigurationError{Message: "bootstrap: channel factory not set"}
	}
	if b.childHandler == nil {
		return &rerrors.ConfigurationError{Message: "bootstrap: child handler not set"}
	}
	return nil
}

func (b *ServerBootstrap) applyToParent(ch *channel.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, apply := range b.options {
		apply(ch.Config())
	}
	for _, apply := range b.attrs {
		apply(ch.Attrs())
	}
	if b.handler != nil {
		ch.Pipeline().AddLast("", b.handler())
	}
}

func (b *ServerBootstrap) applyToChild(ch *channel.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, apply := range b.childOptions {
		apply(ch.Config())
	}
	for _, apply := range b.childAttrs {
		apply(ch.Attrs())
	}
	ch.Pipeline().AddLast("", b.childHandler())
}

// Bind runs the server flow of spec §4.H: create and bind the listening
// channel on an acceptor loop, start listening, and for every accepted
// connection construct, configure, and register a child channel onto the
// child group. The returned Channel's LocalAddr reflects the actual
// bound address (including an OS-assigned port if one was requested)
// once the Promise completes; accepted children are handled
// asynchronously thereafter.
func (b *ServerBootstrap) Bind(localAddr string, backlog int) (*channel.Channel, *channel.Promise) {
	if err := b.validate(); err != nil {
		logging.BootstrapFailure("validate", err)
		return nil, failedPromise(err)
	}

	l := b.group.Next()
	ch := b.factory(l, b.onAccept)
	b.applyToParent(ch)

	outer := channel.NewPromise(ch)
	l.Execute(func() {
		bindPromise := ch.Bind(localAddr)
		bindPromise.AddListener(func(p *channel.Promise) {
			if !p.IsSuccess() {
				logging.BootstrapFailure("bind", p.Cause())
				outer.TryFailure(p.Cause())
				return
			}
			if err := ch.Listen(backlog); err != nil {
				logging.BootstrapFailure("listen", err)
				ch.Close()
				outer.TryFailure(err)
				return
			}
			outer.TrySuccess(struct{}{})
		})
	})
	return ch, outer
}

// onAccept is invoked by the listening channel's transport, on the
// acceptor loop's own thread, once per accepted connection. It hands the
// fd to a fresh child channel constructed and registered on the child
// loop's own thread, so reactor registration always happens on the
// thread that owns the registration table.
func (b *ServerBootstrap) onAccept(fd int, remoteAddr string) {
	l := b.childGroup.Next()
	l.Execute(func() {
		child := b.childFactory(l, fd, remoteAddr)
		b.applyToChild(child)
	})
}
