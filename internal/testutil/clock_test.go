package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_StartsWhereTold(t *testing.T) {
	c := NewManualClock(1000)
	assert.Equal(t, int64(1000), c.Now())
	assert.Equal(t, int64(1000), c.Now(), "Now must not advance the clock")
}

func TestManualClock_Advance(t *testing.T) {
	c := NewManualClock(0)

	assert.Equal(t, int64(5), c.Advance(5))
	assert.Equal(t, int64(6), c.Tick())
	assert.Equal(t, int64(6), c.Now())

	c.Set(100)
	assert.Equal(t, int64(100), c.Now())
}

func TestManualClock_ConcurrentTicksAreUnique(t *testing.T) {
	c := NewManualClock(0)
	const workers, per = 8, 250

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				v := c.Tick()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*per)
	assert.Equal(t, int64(workers*per), c.Now())
}
