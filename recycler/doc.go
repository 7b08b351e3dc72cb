// Package recycler implements a thread-local object pool with cross-thread
// handoff, the same shape as Netty's io.netty.util.Recycler: a per-owner
// LIFO stack serves the fast path (acquire and recycle on the same
// goroutine), while foreign-goroutine returns are appended to a lock-free,
// per-(foreign goroutine, owner stack) handoff queue that the owner drains
// the next time its local stack runs dry.
//
// The foreign handoff queue is grounded on the event loop's ChunkedIngress
// design (github.com/joeycumines/go-eventloop's ingress.go): fixed-size
// link chunks avoid per-push allocation and a release-ordered write index
// publishes each element without a mutex. The owner registry that maps a
// goroutine id to its local stack uses github.com/puzpuzpuz/xsync/v3, the
// same lock-free concurrent map github.com/bgpfix/bgpfix depends on for
// its own hot paths.
package recycler
