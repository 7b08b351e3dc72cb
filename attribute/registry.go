// Package attribute implements the per-channel attribute map: a typed,
// lock-free, lazily-populated key/value store backed by a copy-on-write
// sorted array, the same mechanism as Netty's DefaultAttributeMap.
//
// Key ids are assigned by a Registry rather than a global mutable counter,
// per this module's resolution of the "pooled singleton map" redesign
// question in spec §9: callers construct one Registry (typically one per
// process) and pass it to every NewKey call, so the id space is owned by an
// explicit value instead of package-level state.
package attribute

import "sync/atomic"

// Registry hands out monotonically increasing key ids. The zero value is
// ready to use.
type Registry struct {
	next atomic.Uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) nextID() uint64 {
	return r.next.Add(1)
}

// Key identifies a slot in any Map built against the same Registry. Keys
// are comparable and safe to share across goroutines; name is purely for
// diagnostics (logging, panics), not identity — id is.
type Key[T any] struct {
	id   uint64
	name string
}

// NewKey allocates a fresh Key from r. Two keys constructed from the same
// Registry are never equal, even if given the same name.
func NewKey[T any](r *Registry, name string) Key[T] {
	return Key[T]{id: r.nextID(), name: name}
}

// String returns the key's diagnostic name.
func (k Key[T]) String() string { return k.name }
