package channel

// Handler is the marker interface every pipeline entry implements. A
// handler participates in the inbound chain, the outbound chain, or both,
// by additionally implementing InboundHandler and/or OutboundHandler —
// mirroring Netty's split between ChannelInboundHandler and
// ChannelOutboundHandler without needing Go interface embedding tricks to
// express "implements zero or more of these".
type Handler interface {
	// HandlerAdded is invoked once this handler has been added to a
	// pipeline and is ready to handle events, always on the channel's
	// event loop even if the add was requested from another goroutine.
	HandlerAdded(ctx *HandlerContext)
	// HandlerRemoved is invoked once this handler has been removed.
	HandlerRemoved(ctx *HandlerContext)
}

// InboundHandler receives inbound (Head -> Tail) pipeline events.
type InboundHandler interface {
	ChannelRegistered(ctx *HandlerContext)
	ChannelUnregistered(ctx *HandlerContext)
	ChannelActive(ctx *HandlerContext)
	ChannelInactive(ctx *HandlerContext)
	ChannelRead(ctx *HandlerContext, msg any)
	ChannelReadComplete(ctx *HandlerContext)
	UserEventTriggered(ctx *HandlerContext, evt any)
	ChannelWritabilityChanged(ctx *HandlerContext)
	ExceptionCaught(ctx *HandlerContext, cause error)
}

// OutboundHandler receives outbound (Tail -> Head) pipeline events.
type OutboundHandler interface {
	Bind(ctx *HandlerContext, localAddr string, promise *Promise)
	Connect(ctx *HandlerContext, remoteAddr, localAddr string, promise *Promise)
	Disconnect(ctx *HandlerContext, promise *Promise)
	Close(ctx *HandlerContext, promise *Promise)
	Deregister(ctx *HandlerContext, promise *Promise)
	Read(ctx *HandlerContext)
	Write(ctx *HandlerContext, msg any, promise *Promise)
	Flush(ctx *HandlerContext)
}

// BaseHandler is embeddable in a concrete handler to get no-op
// HandlerAdded/HandlerRemoved implementations for free, the same
// "adapter" convenience Netty's ChannelHandlerAdapter provides.
type BaseHandler struct{}

func (BaseHandler) HandlerAdded(*HandlerContext)   {}
func (BaseHandler) HandlerRemoved(*HandlerContext) {}

// BaseInboundHandler forwards every inbound event verbatim to the next
// context, the default behavior spec §4.G requires for handlers that
// don't override a given method.
type BaseInboundHandler struct{ BaseHandler }

func (BaseInboundHandler) ChannelRegistered(ctx *HandlerContext)   { ctx.FireChannelRegistered() }
func (BaseInboundHandler) ChannelUnregistered(ctx *HandlerContext) { ctx.FireChannelUnregistered() }
func (BaseInboundHandler) ChannelActive(ctx *HandlerContext)       { ctx.FireChannelActive() }
func (BaseInboundHandler) ChannelInactive(ctx *HandlerContext)     { ctx.FireChannelInactive() }
func (BaseInboundHandler) ChannelRead(ctx *HandlerContext, msg any) {
	ctx.FireChannelRead(msg)
}
func (BaseInboundHandler) ChannelReadComplete(ctx *HandlerContext) { ctx.FireChannelReadComplete() }
func (BaseInboundHandler) UserEventTriggered(ctx *HandlerContext, evt any) {
	ctx.FireUserEventTriggered(evt)
}
func (BaseInboundHandler) ChannelWritabilityChanged(ctx *HandlerContext) {
	ctx.FireChannelWritabilityChanged()
}
func (BaseInboundHandler) ExceptionCaught(ctx *HandlerContext, cause error) {
	ctx.FireExceptionCaught(cause)
}

// BaseOutboundHandler forwards every outbound event verbatim toward the
// transport.
type BaseOutboundHandler struct{ BaseHandler }

func (BaseOutboundHandler) Bind(ctx *HandlerContext, localAddr string, promise *Promise) {
	ctx.Bind(localAddr, promise)
}
func (BaseOutboundHandler) Connect(ctx *HandlerContext, remoteAddr, localAddr string, promise *Promise) {
	ctx.Connect(remoteAddr, localAddr, promise)
}
func (BaseOutboundHandler) Disconnect(ctx *HandlerContext, promise *Promise) {
	ctx.Disconnect(promise)
}
func (BaseOutboundHandler) Close(ctx *HandlerContext, promise *Promise) { ctx.Close(promise) }
func (BaseOutboundHandler) Deregister(ctx *HandlerContext, promise *Promise) {
	ctx.Deregister(promise)
}
func (BaseOutboundHandler) Read(ctx *HandlerContext) { ctx.Read() }
func (BaseOutboundHandler) Write(ctx *HandlerContext, msg any, promise *Promise) {
	ctx.Write(msg, promise)
}
func (BaseOutboundHandler) Flush(ctx *HandlerContext) { ctx.Flush() }
