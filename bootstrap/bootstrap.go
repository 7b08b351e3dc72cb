// Package bootstrap implements the client/server registration
// choreography of spec §4.H: assembling a channel from a group, factory,
// option set, attribute set, and handler, then driving it through
// registration and connect/bind on its assigned loop.
package bootstrap

import (
	"context"
	"net"
	"sync"

	"github.com/dmitrywald/reactorcore/attribute"
	"github.com/dmitrywald/reactorcore/channel"
	"github.com/dmitrywald/reactorcore/future"
	"github.com/dmitrywald/reactorcore/logging"
	"github.com/dmitrywald/reactorcore/loop"
	"github.com/dmitrywald/reactorcore/loopgroup"
	"github.com/dmitrywald/reactorcore/rerrors"
)

// ChannelFactory constructs a fresh, loop-bound channel. Bound to a
// concrete Unsafe (e.g. channel.NewTCPClientUnsafe) by the caller.
type ChannelFactory func(l *loop.Loop) *channel.Channel

// Resolver resolves an unresolved remote address before connect, per
// spec §4.H step 6.
type Resolver func(ctx context.Context, remoteAddr string) (string, error)

type optionSetting func(*channel.Config)
type attrSetting func(*attribute.Map)

// Bootstrap assembles and connects client channels (spec §4.H).
type Bootstrap struct {
	mu       sync.Mutex
	group    *loopgroup.Group
	factory  ChannelFactory
	options  []optionSetting
	attrs    []attrSetting
	handler  func() channel.Handler
	resolver Resolver
}

// New constructs a Bootstrap with no options, attributes, or handler set.
func New(group *loopgroup.Group, factory ChannelFactory) *Bootstrap {
	return &Bootstrap{group: group, factory: factory}
}

// Handler sets the factory invoked once per channel to build the handler
// added to its pipeline before registration.
func (b *Bootstrap) Handler(h func() channel.Handler) *Bootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
	return b
}

// WithResolver installs a name resolver, consulted in Connect whenever
// the remote address is unresolved, i.e. its host is not an IP literal
// (spec §4.H step 6).
func (b *Bootstrap) WithResolver(r Resolver) *Bootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolver = r
	return b
}

// Option queues a typed option to be applied to every channel this
// bootstrap creates.
func Option[T any](b *Bootstrap, opt channel.ChannelOption[T], value T) *Bootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.options = append(b.options, func(cfg *channel.Config) { opt.Set(cfg, value) })
	return b
}

// OptionByName queues an option identified by its well-known name rather
// than a typed ChannelOption handle — for callers wiring options up from
// outside the program (a config file, a flag set). An unrecognized name
// or mistyped value is logged as a warning and otherwise ignored, per
// spec §4.H/§4.J, rather than failing the bootstrap.
func OptionByName(b *Bootstrap, name string, value any) *Bootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.options = append(b.options, func(cfg *channel.Config) {
		if !cfg.SetByName(name, value) {
			logging.Warn("bootstrap", "unknown or mistyped option ignored", map[string]any{"option": name})
		}
	})
	return b
}

// Attr queues an attribute to be set on every channel's attribute map.
func Attr[T any](b *Bootstrap, key attribute.Key[T], value T) *Bootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attrs = append(b.attrs, func(m *attribute.Map) { attribute.Attr(m, key).Set(value) })
	return b
}

// Clone produces a deep copy of the option and attribute queues and a
// shallow copy of the group/factory/handler/resolver references, per
// spec §4.H's cloning rule — letting a caller issue many similar
// connections cheaply.
func (b *Bootstrap) Clone() *Bootstrap {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := &Bootstrap{
		group:    b.group,
		factory:  b.factory,
		handler:  b.handler,
		resolver: b.resolver,
		options:  append([]optionSetting(nil), b.options...),
		attrs:    append([]attrSetting(nil), b.attrs...),
	}
	return clone
}

func (b *Bootstrap) applyTo(ch *channel.Channel) {
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

func (b *Bootstrap) validate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group == nil {
		return &rerrors.ConfigurationError{Message: "bootstrap: group not set"}
	}
	if b.factory == nil {
		return &rerrors.ConfigurationError{Message: "bootstrap: channel factory not set"}
	}
	if b.handler == nil {
		return &rerrors.ConfigurationError{Message: "bootstrap: handler not set"}
	}
	return nil
}

// Connect runs the client flow of spec §4.H: assign a loop, create the
// channel on it and apply options/attributes/handler (on the calling
// goroutine), then, on the assigned loop's own thread, resolve remoteAddr
// if it is unresolved and a resolver is installed, and connect. The
// returned Channel is usable immediately (writes queue until active);
// the Promise completes once the connection either succeeds or is
// abandoned (a failed connect closes the channel, freeing its fd).
func (b *Bootstrap) Connect(ctx context.Context, remoteAddr string) (*channel.Channel, *channel.Promise) {
	if err := b.validate(); err != nil {
		logging.BootstrapFailure("validate", err)
		return nil, failedPromise(err)
	}

	l := b.group.Next()
	ch := b.factory(l)
	b.applyTo(ch)

	outer := channel.NewPromise(ch)
	l.Execute(func() {
		resolved := remoteAddr
		host, _, splitErr := net.SplitHostPort(remoteAddr)
		if b.resolver != nil && (splitErr != nil || net.ParseIP(host) == nil) {
			r, err := b.resolver(ctx, remoteAddr)
			if err != nil {
				logging.BootstrapFailure("resolve", err)
				ch.Close()
				outer.TryFailure(err)
				return
			}
			resolved = r
		}
		connectPromise := ch.Connect(resolved)
		connectPromise.AddListener(func(p *channel.Promise) {
			if p.IsSuccess() {
				outer.TrySuccess(struct{}{})
				return
			}
			logging.BootstrapFailure("connect", p.Cause())
			// CloseOnFailure: a failed connect leaves nothing to clean up
			// the socket otherwise.
			ch.Close()
			outer.TryFailure(p.Cause())
		})
	})
	return ch, outer
}

func failedPromise(err error) *channel.Promise {
	p := future.New[struct{}](inlineExecutor{})
	p.TryFailure(err)
	return p
}

type inlineExecutor struct{}

func (inlineExecutor) Execute(fn func()) { fn() }
func (inlineExecutor) InExecutor() bool  { return false }
