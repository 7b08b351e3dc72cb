package channel

// Unsafe is the transport-facing surface Head invokes at the bottom of
// the outbound chain and drives the inbound chain from the top (spec
// §4.G's "Unsafe" operations: the pipeline never touches raw file
// descriptors directly). A concrete Channel is constructed around exactly
// one Unsafe implementation; tcpUnsafe is the one this module ships.
type Unsafe interface {
	bind(localAddr string, promise *Promise)
	connect(remoteAddr, localAddr string, promise *Promise)
	disconnect(promise *Promise)
	closeTransport(promise *Promise)
	deregister(promise *Promise)
	doRead()
	doWrite(msg any, promise *Promise)
	doFlush()
}
