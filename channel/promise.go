package channel

import "github.com/dmitrywald/reactorcore/future"

// Promise is the value-less future returned by every channel operation
// (bind/connect/write/close/...), an instantiation of this module's
// generic future.Promise scoped to spec §4.G's "Promise/Future scoped to
// the channel" contract.
type Promise = future.Promise[struct{}]

// NewPromise constructs a pending Promise bound to executor (normally the
// owning channel's loop).
func NewPromise(executor future.Executor) *Promise {
	return future.New[struct{}](executor)
}
