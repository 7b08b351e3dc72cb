package attribute

import (
	"sort"
	"sync/atomic"
)

// entry is one slot in a Map's backing array. owner is the Map the entry
// currently belongs to; a removed entry has owner cleared to nil so that
// any Attribute handle still pointing at it observes the removal even if
// it raced the array-splice CAS.
type entry struct {
	id    uint64
	value atomic.Pointer[any]
	owner atomic.Pointer[Map]
}

func (e *entry) removed() bool { return e.owner.Load() == nil }

// Map is a per-channel attribute store. Construct one with NewMap; the zero
// value has no snapshot array and is not usable.
//
// Reads (attr lookup, get) binary-search an immutable snapshot array with
// no locking. Writes (first attr() for a key, remove) build a new array
// with the change applied and CAS it into the snapshot pointer, retrying
// from the latest snapshot on a lost race — the same copy-on-write
// discipline spec §4.B calls for, and the same shape as the teacher's
// FastState CAS loops (eventloop/state.go), generalized from a scalar to
// a sorted slice.
type Map struct {
	snapshot atomic.Pointer[[]*entry]
}

func NewMap() *Map {
	m := &Map{}
	empty := make([]*entry, 0)
	m.snapshot.Store(&empty)
	return m
}

func (m *Map) search(snap []*entry, id uint64) (int, bool) {
	i := sort.Search(len(snap), func(i int) bool { return snap[i].id >= id })
	if i < len(snap) && snap[i].id == id {
		return i, true
	}
	return i, false
}

// findEntry returns the live entry for id, or nil if no such entry exists
// or it has been removed.
func (m *Map) findEntry(id uint64) *entry {
	snap := *m.snapshot.Load()
	i, ok := m.search(snap, id)
	if !ok {
		return nil
	}
	e := snap[i]
	if e.removed() {
		return nil
	}
	return e
}

// ensureEntry returns the live entry for id, creating and splicing in a
// fresh one if none exists (or the existing one was removed).
func (m *Map) ensureEntry(id uint64) *entry {
	for {
		old := m.snapshot.Load()
		snap := *old
		i, ok := m.search(snap, id)
		if ok && !snap[i].removed() {
			return snap[i]
		}

		fresh := &entry{id: id}
		fresh.owner.Store(m)

		next := make([]*entry, 0, len(snap)+1)
		if ok {
			// replace a removed entry in place
			next = append(next, snap[:i]...)
			next = append(next, fresh)
			next = append(next, snap[i+1:]...)
		} else {
			next = append(next, snap[:i]...)
			next = append(next, fresh)
			next = append(next, snap[i:]...)
		}

		if m.snapshot.CompareAndSwap(old, &next) {
			return fresh
		}
		// lost the race: another writer changed the snapshot, retry.
	}
}

// remove splices id out of the snapshot, marking the removed entry's owner
// nil first so concurrent Attribute handles observe the removal
// immediately even before the splice lands.
func (m *Map) remove(id uint64) {
	for {
		old := m.snapshot.Load()
		snap := *old
		i, ok := m.search(snap, id)
		if !ok {
			return
		}
		e := snap[i]
		e.owner.Store(nil)

		next := make([]*entry, 0, len(snap)-1)
		next = append(next, snap[:i]...)
		next = append(next, snap[i+1:]...)

		if m.snapshot.CompareAndSwap(old, &next) {
			return
		}
		// a concurrent writer changed the snapshot; the entry is already
		// marked removed above, so correctness doesn't depend on this CAS
		// succeeding on the first attempt. Retry the splice while this same
		// dead entry is still in the snapshot, so the array doesn't
		// accumulate dead entries; stop once it is gone or a fresh entry
		// has replaced it.
		cur := *m.snapshot.Load()
		if j, found := m.search(cur, id); !found || cur[j] != e {
			return
		}
	}
}

// HasAttr reports whether key currently has a non-removed cell in m.
func HasAttr[T any](m *Map, key Key[T]) bool {
	return m.findEntry(key.id) != nil
}

// Attr returns the stable attribute cell for key, lazily creating it on
// first access.
func Attr[T any](m *Map, key Key[T]) Attribute[T] {
	m.ensureEntry(key.id)
	return Attribute[T]{m: m, id: key.id}
}
