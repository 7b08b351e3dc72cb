//go:build unix

package channel

import (
	"fmt"
	"net"
	"strconv"

	"github.com/dmitrywald/reactorcore/reactor"
	"golang.org/x/sys/unix"
)

// tcpUnsafe is the fd-based TCP Unsafe implementation. It talks to the
// kernel directly through golang.org/x/sys/unix rather than net.Conn, so
// that reads and writes are dispatched by this module's own
// reactor.Backend rather than the Go runtime's netpoller — the same
// separation Netty draws between its NioSocketChannel and java.nio.
type tcpUnsafe struct {
	ch  *Channel
	fd  int
	reg reactor.Registration

	connectPromise *Promise
	pendingRemote  string
	boundLocal     string
	listening      bool
	acceptFn       func(fd int, remote string)

	outbox [][]byte
}

// NewTCPClientUnsafe returns an Unsafe factory for an outbound TCP
// channel: call NewChannel(l, NewTCPClientUnsafe()).
func NewTCPClientUnsafe() func(*Channel) Unsafe {
	return func(ch *Channel) Unsafe {
		return &tcpUnsafe{ch: ch, fd: -1}
	}
}

// NewTCPServerUnsafe returns an Unsafe factory for a listening TCP
// channel; accept calls acceptFn with each accepted connection's fd and
// peer address. ServerBootstrap supplies acceptFn.
func NewTCPServerUnsafe(acceptFn func(fd int, remote string)) func(*Channel) Unsafe {
	return func(ch *Channel) Unsafe {
		return &tcpUnsafe{ch: ch, fd: -1, acceptFn: acceptFn}
	}
}

// NewTCPAcceptedUnsafe wraps an fd handed back by a listening channel's
// acceptFn into a child Channel's Unsafe. Unlike the client/server
// factories, this one registers and activates the channel immediately
// (there is no separate bind/connect step for an already-established
// connection) — the caller is responsible for invoking NewChannel on the
// target loop's own goroutine, so that the reactor.Backend registration
// below happens on the loop thread that owns it.
func NewTCPAcceptedUnsafe(fd int, remoteAddr string) func(*Channel) Unsafe {
	return func(ch *Channel) Unsafe {
		u := &tcpUnsafe{ch: ch, fd: fd}
		u.applySocketOptions()
		if err := u.register(reactor.Read); err != nil {
			ch.MarkRegistered()
			ch.Pipeline().FireExceptionCaught(err)
			return u
		}
		localStr := ""
		if local, err := unix.Getsockname(fd); err == nil {
			localStr = sockaddrString(local)
		}
		ch.MarkRegistered()
		ch.MarkActive(localStr, remoteAddr)
		return u
	}
}

func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("channel: invalid port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("channel: cannot resolve %q: %w", host, err)
		}
		ip = ips[0]
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return ""
	}
}

func (u *tcpUnsafe) applySocketOptions() {
	cfg := u.ch.Config()
	if TCPNoDelay.Get(cfg) {
		_ = unix.SetsockoptInt(u.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if SOKeepAlive.Get(cfg) {
		_ = unix.SetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}
	if SOReuseAddr.Get(cfg) {
		_ = unix.SetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if v := SOSndBuf.Get(cfg); v > 0 {
		_ = unix.SetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, v)
	}
	if v := SORcvBuf.Get(cfg); v > 0 {
		_ = unix.SetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, v)
	}
}

func (u *tcpUnsafe) register(interest reactor.Events) error {
	reg, err := u.ch.Loop().Backend().Register(u.fd, interest, u.onEvent)
	if err != nil {
		return err
	}
	u.reg = reg
	return nil
}

func (u *tcpUnsafe) bind(localAddr string, promise *Promise) {
	sa, family, err := resolveSockaddr(localAddr)
	if err != nil {
		promise.TryFailure(err)
		return
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		promise.TryFailure(err)
		return
	}
	u.fd = fd
	u.applySocketOptions()
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		promise.TryFailure(err)
		return
	}
	if bound, err := unix.Getsockname(fd); err == nil {
		u.boundLocal = sockaddrString(bound)
	} else {
		u.boundLocal = localAddr
	}
	u.ch.MarkRegistered()
	promise.TrySuccess(struct{}{})
}

// listen is not part of Unsafe: ServerBootstrap calls it directly after
// bind succeeds, since spec §4.H treats bind+listen as one bootstrap step
// distinct from the bare transport Bind op every channel exposes.
func (u *tcpUnsafe) listen(backlog int) error {
	if err := unix.Listen(u.fd, backlog); err != nil {
		return err
	}
	u.listening = true
	if err := u.register(reactor.Read); err != nil {
		return err
	}
	u.ch.MarkActive(u.boundLocal, "")
	return nil
}

func (u *tcpUnsafe) connect(remoteAddr, localAddr string, promise *Promise) {
	sa, family, err := resolveSockaddr(remoteAddr)
	if err != nil {
		promise.TryFailure(err)
		return
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		promise.TryFailure(err)
		return
	}
	u.fd = fd
	u.applySocketOptions()
	if localAddr != "" {
		if lsa, _, err := resolveSockaddr(localAddr); err == nil {
			_ = unix.Bind(fd, lsa)
		}
	}
	u.ch.MarkRegistered()
	u.connectPromise = promise
	u.pendingRemote = remoteAddr

	err = unix.Connect(fd, sa)
	if err == nil {
		u.finishConnect(remoteAddr)
		return
	}
	if err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		promise.TryFailure(err)
		return
	}
	if err := u.register(reactor.Write); err != nil {
		promise.TryFailure(err)
		return
	}
}

func (u *tcpUnsafe) finishConnect(remoteAddr string) {
	if err := u.register(reactor.Read); err != nil {
		u.connectPromise.TryFailure(err)
		return
	}
	local, _ := unix.Getsockname(u.fd)
	localStr := ""
	if local != nil {
		localStr = sockaddrString(local)
	}
	u.ch.MarkActive(localStr, remoteAddr)
	u.connectPromise.TrySuccess(struct{}{})
}

func (u *tcpUnsafe) onEvent(events reactor.Events) {
	if u.listening && events&reactor.Read != 0 {
		u.doAccept()
		return
	}
	if u.connectPromise != nil && events&reactor.Write != 0 {
		errno, _ := unix.GetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		p := u.connectPromise
		u.connectPromise = nil
		if errno != 0 {
			_ = unix.Close(u.fd)
			p.TryFailure(unix.Errno(uintptr(errno)))
			return
		}
		_ = u.ch.Loop().Backend().Modify(u.reg, reactor.Read)
		u.finishConnect(u.pendingRemote)
		return
	}
	if events&(reactor.Error|reactor.Hangup) != 0 {
		u.closeTransport(u.ch.newPromise())
		return
	}
	if events&reactor.Read != 0 {
		u.doRead()
	}
	if events&reactor.Write != 0 {
		u.doFlush()
	}
}

func (u *tcpUnsafe) doAccept() {
	for {
		fd, sa, err := unix.Accept4(u.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		if u.acceptFn != nil {
			u.acceptFn(fd, sockaddrString(sa))
		} else {
			_ = unix.Close(fd)
		}
	}
}

func (u *tcpUnsafe) doRead() {
	size := RecvBufAllocator.Get(u.ch.Config())
	buf := Allocator.Get(u.ch.Config())(size)
	for {
		n, err := unix.Read(u.fd, buf)
		if n > 0 {
			msg := make([]byte, n)
			copy(msg, buf[:n])
			u.ch.Pipeline().FireChannelRead(msg)
		}
		if err != nil || n <= 0 {
			if err == unix.EAGAIN {
				break
			}
			if n == 0 || err != nil {
				u.ch.Pipeline().FireChannelReadComplete()
				u.closeTransport(u.ch.newPromise())
				return
			}
			break
		}
		if n < len(buf) {
			break
		}
	}
	u.ch.Pipeline().FireChannelReadComplete()
}

func (u *tcpUnsafe) doWrite(msg any, promise *Promise) {
	b, ok := msg.([]byte)
	if !ok {
		promise.TryFailure(fmt.Errorf("channel: tcp transport only writes []byte, got %T", msg))
		return
	}
	u.outbox = append(u.outbox, b)
	u.ch.AdjustOutboundBuffer(len(b))
	promise.TrySuccess(struct{}{})
}

func (u *tcpUnsafe) doFlush() {
	spins := WriteSpinCount.Get(u.ch.Config())
	for len(u.outbox) > 0 && spins > 0 {
		b := u.outbox[0]
		n, err := unix.Write(u.fd, b)
		if n > 0 {
			u.ch.AdjustOutboundBuffer(-n)
			if n == len(b) {
				u.outbox = u.outbox[1:]
			} else {
				u.outbox[0] = b[n:]
				break
			}
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			u.closeTransport(u.ch.newPromise())
			return
		}
		spins--
	}
	if len(u.outbox) > 0 {
		_ = u.ch.Loop().Backend().Modify(u.reg, reactor.Read|reactor.Write)
	} else {
		_ = u.ch.Loop().Backend().Modify(u.reg, reactor.Read)
	}
}

func (u *tcpUnsafe) disconnect(promise *Promise) { u.closeTransport(promise) }

func (u *tcpUnsafe) closeTransport(promise *Promise) {
	if u.fd < 0 {
		promise.TrySuccess(struct{}{})
		return
	}
	_ = u.ch.Loop().Backend().Cancel(u.reg)
	_ = unix.Close(u.fd)
	u.fd = -1
	u.ch.MarkInactive()
	u.ch.MarkUnregistered()
	promise.TrySuccess(struct{}{})
}

func (u *tcpUnsafe) deregister(promise *Promise) {
	_ = u.ch.Loop().Backend().Cancel(u.reg)
	u.ch.MarkUnregistered()
	promise.TrySuccess(struct{}{})
}
