package channel

import "github.com/dmitrywald/reactorcore/attribute"

// optionRegistry is the single attribute.Registry backing every
// ChannelOption: options are, structurally, named typed cells exactly
// like the attribute package's Attribute[T], so Config reuses that
// package's Registry/Key/Map machinery directly rather than
// reimplementing a second keyed-store type for what is the same shape.
var optionRegistry = attribute.NewRegistry()

// ChannelOption is a typed, named, defaulted configuration cell (spec
// §4.J). Unlike an attribute, a ChannelOption always has a value: Get
// returns the configured default until overridden.
type ChannelOption[T any] struct {
	key attribute.Key[T]
	def T
}

// NewOption declares a new option. Options are normally declared once, as
// package-level vars (see the well-known options below); name should be
// unique across the process, since SetByName looks well-known options up
// by name. The option's identity is the id its key receives from the
// attribute.Registry counter, not the name.
func NewOption[T any](name string, def T) ChannelOption[T] {
	return ChannelOption[T]{key: attribute.NewKey[T](optionRegistry, name), def: def}
}

// String returns the option's declared name.
func (o ChannelOption[T]) String() string { return o.key.String() }

// Get returns the configured value, or the option's default if unset.
func (o ChannelOption[T]) Get(c *Config) T {
	if v, ok := attribute.Attr(c.values, o.key).Get(); ok {
		return v
	}
	return o.def
}

// Set overrides the option's value for c.
func (o ChannelOption[T]) Set(c *Config, v T) {
	attribute.Attr(c.values, o.key).Set(v)
}

// WaterMark is the low/high byte thresholds governing IsWritable's
// hysteresis (spec §4.G): writability drops to false once the outbound
// buffer exceeds High, and only returns to true once it has drained back
// below Low.
type WaterMark struct {
	Low  int
	High int
}

// Config holds a channel's option values (spec §4.J, doubling as the
// option surface for subsystem G's per-channel tuning knobs).
type Config struct {
	values *attribute.Map
}

// NewConfig returns a Config with every well-known option at its default.
func NewConfig() *Config {
	return &Config{values: attribute.NewMap()}
}

// Well-known options, named after their Netty ChannelOption counterparts.
var (
	ConnectTimeoutMillis = NewOption("CONNECT_TIMEOUT_MILLIS", 30000)
	WriteSpinCount        = NewOption("WRITE_SPIN_COUNT", 16)
	Allocator             = NewOption[func(size int) []byte]("ALLOCATOR", func(size int) []byte { return make([]byte, size) })
	RecvBufAllocator      = NewOption("RECVBUF_ALLOCATOR", 2048)
	AutoRead              = NewOption("AUTO_READ", true)
	AutoClose             = NewOption("AUTO_CLOSE", true)
	WriteBufferWaterMark  = NewOption("WRITE_BUFFER_WATER_MARK", WaterMark{Low: 32 * 1024, High: 64 * 1024})
	MessageSizeEstimator  = NewOption[func(msg any) int]("MESSAGE_SIZE_ESTIMATOR", defaultMessageSizeEstimator)
	TCPNoDelay            = NewOption("TCP_NODELAY", true)
	SOKeepAlive           = NewOption("SO_KEEPALIVE", false)
	SOReuseAddr           = NewOption("SO_REUSEADDR", false)
	SOLinger              = NewOption("SO_LINGER", -1)
	SOSndBuf              = NewOption("SO_SNDBUF", 0)
	SORcvBuf              = NewOption("SO_RCVBUF", 0)
	IPTos                 = NewOption("IP_TOS", 0)
	AllowHalfClosure      = NewOption("ALLOW_HALF_CLOSURE", false)
)

func defaultMessageSizeEstimator(msg any) int {
	switch m := msg.(type) {
	case []byte:
		return len(m)
	default:
		return 0
	}
}

// SetByName applies value to the well-known option named name, for
// callers that only have a name/value pair rather than a typed
// ChannelOption (bootstrap applying options loaded from outside the
// program, per spec §4.H/§4.J). Returns false, without modifying c, for
// an unrecognized name or a value of the wrong type — the caller is
// expected to log a warning rather than fail.
func (c *Config) SetByName(name string, value any) bool {
	switch name {
	case ConnectTimeoutMillis.String():
		return setTyped(c, ConnectTimeoutMillis, value)
	case WriteSpinCount.String():
		return setTyped(c, WriteSpinCount, value)
	case Allocator.String():
		return setTyped(c, Allocator, value)
	case RecvBufAllocator.String():
		return setTyped(c, RecvBufAllocator, value)
	case MessageSizeEstimator.String():
		return setTyped(c, MessageSizeEstimator, value)
	case AutoRead.String():
		return setTyped(c, AutoRead, value)
	case AutoClose.String():
		return setTyped(c, AutoClose, value)
	case WriteBufferWaterMark.String():
		return setTyped(c, WriteBufferWaterMark, value)
	case TCPNoDelay.String():
		return setTyped(c, TCPNoDelay, value)
	case SOKeepAlive.String():
		return setTyped(c, SOKeepAlive, value)
	case SOReuseAddr.String():
		return setTyped(c, SOReuseAddr, value)
	case SOLinger.String():
		return setTyped(c, SOLinger, value)
	case SOSndBuf.String():
		return setTyped(c, SOSndBuf, value)
	case SORcvBuf.String():
		return setTyped(c, SORcvBuf, value)
	case IPTos.String():
		return setTyped(c, IPTos, value)
	case AllowHalfClosure.String():
		return setTyped(c, AllowHalfClosure, value)
	default:
		return false
	}
}

func setTyped[T any](c *Config, o ChannelOption[T], value any) bool {
	v, ok := value.(T)
	if !ok {
		return false
	}
	o.Set(c, v)
	return true
}
