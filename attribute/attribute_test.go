package attribute

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttr_LazyCreationAndGet(t *testing.T) {
	reg := NewRegistry()
	key := NewKey[string](reg, "name")
	m := NewMap()

	assert.False(t, HasAttr(m, key))
	a := Attr(m, key)
	assert.True(t, HasAttr(m, key), "attr() must create the cell even before any Set")

	_, ok := a.Get()
	assert.False(t, ok, "a freshly created cell has no value yet")

	a.Set("hello")
	v, ok := a.Get()
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestAttr_RemoveThenRecreate(t *testing.T) {
	reg := NewRegistry()
	key := NewKey[int](reg, "count")
	m := NewMap()

	a := Attr(m, key)
	a.Set(7)
	a.Remove()
	assert.False(t, HasAttr(m, key))

	v, ok := a.Get()
	assert.False(t, ok)
	assert.Equal(t, 0, v)

	b := Attr(m, key)
	b.Set(9)
	got, ok := a.Get()
	require.True(t, ok, "handles obtained before and after a remove share the same live cell")
	assert.Equal(t, 9, got)
}

func TestAttr_GetAndSetGetAndRemove(t *testing.T) {
	reg := NewRegistry()
	key := NewKey[int](reg, "n")
	m := NewMap()
	a := Attr(m, key)

	a.Set(1)
	old, ok := a.GetAndSet(2)
	require.True(t, ok)
	assert.Equal(t, 1, old)

	removed, ok := a.GetAndRemove()
	require.True(t, ok)
	assert.Equal(t, 2, removed)
	assert.False(t, HasAttr(m, key))
}

// TestAttr_CompareAndSetContention exercises spec Scenario 6: many
// goroutines race compareAndSet against the same cell starting from its
// zero value, incrementing by one each time; exactly one should win per
// step and the final value must equal the number of successful CAS calls.
func TestAttr_CompareAndSetContention(t *testing.T) {
	reg := NewRegistry()
	key := NewKey[int](reg, "counter")
	m := NewMap()
	a := Attr(m, key)
	a.Set(0)

	const goroutines = 64
	const attemptsEach = 200

	var wins int
	var winsMu sync.Mutex
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := 0
			for i := 0; i < attemptsEach; i++ {
				for {
					cur, _ := a.Get()
					if a.CompareAndSet(cur, cur+1) {
						local++
						break
					}
				}
			}
			winsMu.Lock()
			wins += local
			winsMu.Unlock()
		}()
	}
	wg.Wait()

	final, ok := a.Get()
	require.True(t, ok)
	assert.Equal(t, goroutines*attemptsEach, final)
	assert.Equal(t, goroutines*attemptsEach, wins)
}

func TestAttr_ConcurrentDistinctKeysNoTearing(t *testing.T) {
	reg := NewRegistry()
	m := NewMap()
	const keys = 50
	ks := make([]Key[int], keys)
	for i := range ks {
		ks[i] = NewKey[int](reg, "k")
	}

	var wg sync.WaitGroup
	for i, k := range ks {
		wg.Add(1)
		go func(i int, k Key[int]) {
			defer wg.Done()
			Attr(m, k).Set(i)
		}(i, k)
	}
	wg.Wait()

	for i, k := range ks {
		v, ok := Attr(m, k).Get()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}
