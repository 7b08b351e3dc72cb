package attribute

import "reflect"

// Attribute is a typed handle onto one cell of a Map. It is a thin,
// comparable value — all state lives in the Map's entry array — so an
// Attribute obtained before a Remove, and a fresh one obtained after, both
// observe and share the map's current state for that key.
type Attribute[T any] struct {
	m  *Map
	id uint64
}

func box[T any](v T) *any {
	boxed := any(v)
	return &boxed
}

func unbox[T any](p *any) (T, bool) {
	var zero T
	if p == nil {
		return zero, false
	}
	v, ok := (*p).(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Get returns the cell's current value and whether one has ever been set
// (a cell can exist — created by a prior Attr call — with no value yet).
func (a Attribute[T]) Get() (T, bool) {
	e := a.m.findEntry(a.id)
	if e == nil {
		var zero T
		return zero, false
	}
	return unbox[T](e.value.Load())
}

// Set unconditionally stores v, creating the cell if it was removed or
// never written.
func (a Attribute[T]) Set(v T) {
	e := a.m.ensureEntry(a.id)
	e.value.Store(box(v))
}

// CompareAndSet stores newVal only if the cell's current value deep-equals
// old (an absent value only matches the zero value of T with no prior
// Set), retrying internally on a lost race against a concurrent writer.
func (a Attribute[T]) CompareAndSet(old, newVal T) bool {
	e := a.m.ensureEntry(a.id)
	for {
		cur := e.value.Load()
		curVal, ok := unbox[T](cur)
		if ok {
			if !reflect.DeepEqual(curVal, old) {
				return false
			}
		} else if !reflect.DeepEqual(old, *new(T)) {
			return false
		}
		if e.value.CompareAndSwap(cur, box(newVal)) {
			return true
		}
	}
}

// GetAndSet stores v and returns the previous value (and whether one had
// been set).
func (a Attribute[T]) GetAndSet(v T) (T, bool) {
	e := a.m.ensureEntry(a.id)
	old := e.value.Swap(box(v))
	return unbox[T](old)
}

// GetAndRemove returns the cell's current value (and whether one had been
// set) and then removes the cell from the map.
func (a Attribute[T]) GetAndRemove() (T, bool) {
	v, ok := a.Get()
	a.m.remove(a.id)
	return v, ok
}

// Remove clears the cell. A subsequent Attr/Get for the same key observes
// an absent value until something calls Set again.
func (a Attribute[T]) Remove() {
	a.m.remove(a.id)
}
