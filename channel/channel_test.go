package channel

import (
	"context"
	"testing"

	"github.com/dmitrywald/reactorcore/attribute"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_ConnectTransitionsToActive(t *testing.T) {
	ch := newTestChannel(t)
	assert.Equal(t, StateUnregistered, ch.State())

	p := ch.Connect("203.0.113.1:9000")
	require.NoError(t, p.Await(context.Background()))

	assert.True(t, ch.IsActive())
	assert.Equal(t, "203.0.113.1:9000", ch.RemoteAddr())
}

func TestChannel_CloseCompletesCloseFuture(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Connect("203.0.113.1:9000").Await(context.Background()))

	require.NoError(t, ch.Close().Await(context.Background()))
	assert.False(t, ch.IsActive())
	assert.True(t, ch.CloseFuture().IsDone())
}

func TestChannel_WritabilityFlipsAtHighWatermarkAndResetsAtLow(t *testing.T) {
	ch := newTestChannel(t)
	mark := WriteBufferWaterMark.Get(ch.Config())
	assert.True(t, ch.IsWritable())

	ch.AdjustOutboundBuffer(mark.High + 1)
	assert.False(t, ch.IsWritable())

	// Draining to exactly Low+1, still above Low, must not flip back yet.
	ch.AdjustOutboundBuffer(mark.Low - mark.High)
	assert.False(t, ch.IsWritable())

	// Draining one more byte, to Low, still must not flip: recovery needs
	// strictly below Low, not at-or-below it.
	ch.AdjustOutboundBuffer(-1)
	assert.False(t, ch.IsWritable())

	ch.AdjustOutboundBuffer(-1)
	assert.True(t, ch.IsWritable())
}

func TestChannel_WritabilityRecoversStrictlyBelowLow(t *testing.T) {
	ch := newTestChannel(t)
	mark := WriteBufferWaterMark.Get(ch.Config())

	ch.AdjustOutboundBuffer(mark.High + 1)
	assert.False(t, ch.IsWritable())

	// Exactly at Low, recovery must not fire yet: Netty-style hysteresis
	// recovers strictly below the low watermark, not at-or-below it.
	ch.AdjustOutboundBuffer(mark.Low - (mark.High + 1))
	assert.False(t, ch.IsWritable())

	ch.AdjustOutboundBuffer(-1)
	assert.True(t, ch.IsWritable())
}

func TestChannel_AttrsRoundTrip(t *testing.T) {
	ch := newTestChannel(t)
	reg := attribute.NewRegistry()
	key := attribute.NewKey[int](reg, "seq")

	attribute.Attr(ch.Attrs(), key).Set(42)
	v, ok := attribute.Attr(ch.Attrs(), key).Get()
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestConfig_OptionDefaultsThenOverride(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, true, TCPNoDelay.Get(cfg))
	TCPNoDelay.Set(cfg, false)
	assert.False(t, TCPNoDelay.Get(cfg))
}
