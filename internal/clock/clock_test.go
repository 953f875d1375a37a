package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNow_Monotonic(t *testing.T) {
	prev := Now()
	require.Positive(t, prev)
	for i := 0; i < 1000; i++ {
		n := Now()
		assert.GreaterOrEqual(t, n, prev)
		prev = n
	}
}

func TestSequence_ConcurrentUnique(t *testing.T) {
	s := &Sequence{}
	const workers, per = 8, 1000

	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, s.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, v := range local {
				seen[v] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*per)
	assert.Equal(t, uint64(workers*per), s.Current())
}

func TestNewSequenceAt(t *testing.T) {
	s := NewSequenceAt(41)
	assert.Equal(t, uint64(42), s.Next())
}

func TestOffset_SmallestRTTWins(t *testing.T) {
	var o Offset
	_, ok := o.Get()
	assert.False(t, ok)

	// rtt 100, server answered at 1000 -> offset = 1000 + 50 - 200
	o.Update(100, 1000, 200)
	off, ok := o.Get()
	require.True(t, ok)
	assert.Equal(t, int64(850), off)

	// slower sample is ignored
	o.Update(300, 5000, 700)
	off, _ = o.Get()
	assert.Equal(t, int64(850), off)

	// faster sample replaces
	o.Update(1000, 2000, 1010)
	off, _ = o.Get()
	assert.Equal(t, int64(995), off)
	assert.Equal(t, int64(10), o.RTT())

	assert.Equal(t, int64(1995), o.ToServer(1000))
	assert.Equal(t, int64(1000), o.ToLocal(1995))
	assert.Equal(t, int64(0), o.ToServer(0))

	o.Reset()
	_, ok = o.Get()
	assert.False(t, ok)
}
