package correlation

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIDIsMonotonic(t *testing.T) {
	r := New[uint64, string]()
	assert.Equal(t, uint64(0), r.NextID())
	assert.Equal(t, uint64(1), r.NextID())
	assert.Equal(t, uint64(2), r.NextID())
}

func TestPutRejectsDuplicateKey(t *testing.T) {
	r := New[string, int]()
	require.True(t, r.Put("a", 1))
	assert.False(t, r.Put("a", 2))

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v, "duplicate Put must not overwrite")
}

func TestTakeCompletesExactlyOnce(t *testing.T) {
	r := New[int, string]()
	require.True(t, r.Put(1, "pending"))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Take(1); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, 0, r.Len())
}

func TestUpdateRemovesWhenDone(t *testing.T) {
	type counter struct{ n int }
	r := New[int, *counter]()
	require.True(t, r.Put(7, &counter{}))

	for i := 1; i <= 2; i++ {
		c, done, ok := r.Update(7, func(c *counter) bool {
			c.n++
			return c.n == 3
		})
		require.True(t, ok)
		assert.False(t, done)
		assert.Equal(t, i, c.n)
	}

	c, done, ok := r.Update(7, func(c *counter) bool {
		c.n++
		return c.n == 3
	})
	require.True(t, ok)
	assert.True(t, done)
	assert.Equal(t, 3, c.n)

	_, _, ok = r.Update(7, func(*counter) bool {
		t.Fatal("fn must not run for a removed entry")
		return false
	})
	assert.False(t, ok)
}
