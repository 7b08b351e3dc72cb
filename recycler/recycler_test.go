package recycler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	n int
}

func TestRecycler_SameGoroutineFastPath(t *testing.T) {
	newCount := 0
	r := New(func() *widget {
		newCount++
		return &widget{}
	})

	h := r.Get()
	h.Value.n = 42
	require.NoError(t, h.Recycle())

	h2 := r.Get()
	assert.Equal(t, 42, h2.Value.n, "expected the same underlying value to be reused")
	assert.Equal(t, 1, newCount, "second Get should not have allocated a new value")
}

func TestRecycler_DoubleRecycleRejected(t *testing.T) {
	r := New(func() *widget { return &widget{} })
	h := r.Get()
	require.NoError(t, h.Recycle())
	assert.ErrorIs(t, h.Recycle(), ErrDoubleRecycle)
}

// TestRecycler_CrossThreadHandoff exercises the scenario where one
// goroutine acquires a batch of values and other goroutines recycle them:
// the foreign returns must eventually be observed by the owner without any
// value appearing twice and without any double-recycle.
func TestRecycler_CrossThreadHandoff(t *testing.T) {
	var newCount int
	var newMu sync.Mutex
	r := New(func() *widget {
		newMu.Lock()
		newCount++
		newMu.Unlock()
		return &widget{}
	}, WithRatio(1), WithMaxDelayedQueuesPerThread(16))

	const total = 33
	const recycled = 16

	allReturned := make(chan struct{})
	reacquired := make(chan struct{})
	go func() {
		// everything in this goroutine runs on the same owner stack.
		handles := make([]*Handle[*widget], total)
		for i := range handles {
			handles[i] = r.Get()
			handles[i].Value.n = i
		}

		var wg sync.WaitGroup
		for i := 0; i < recycled; i++ {
			wg.Add(1)
			go func(h *Handle[*widget]) {
				defer wg.Done()
				assert.NoError(t, h.Recycle())
			}(handles[i])
		}
		wg.Wait()
		close(allReturned)

		newMu.Lock()
		before := newCount
		newMu.Unlock()

		for i := 0; i < recycled; i++ {
			r.Get()
		}

		newMu.Lock()
		after := newCount
		newMu.Unlock()
		assert.Equal(t, before, after, "reacquiring after a cross-thread recycle should not allocate fresh values")

		for i := recycled; i < total; i++ {
			assert.NoError(t, handles[i].Recycle())
		}
		close(reacquired)
	}()

	<-allReturned
	<-reacquired
}
