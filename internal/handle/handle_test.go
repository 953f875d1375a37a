package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nettable/internal/errs"
)

func TestHandle_Layout(t *testing.T) {
	h := makeHandle(KindSubscriber, 7, 42)
	assert.Equal(t, KindSubscriber, h.Kind())
	assert.Equal(t, uint32(7), h.Generation())
	assert.Equal(t, uint32(42), h.Index())
	assert.False(t, h.IsZero())
}

func TestArena_AddGetRemove(t *testing.T) {
	a := NewArena[string](KindPublisher, 0)

	h, err := a.Add("pub")
	require.NoError(t, err)
	assert.Equal(t, KindPublisher, h.Kind())
	assert.False(t, h.IsZero())

	got, err := a.Get(h)
	require.NoError(t, err)
	assert.Equal(t, "pub", got)
	assert.Equal(t, 1, a.Len())

	removed, err := a.Remove(h)
	require.NoError(t, err)
	assert.Equal(t, "pub", removed)
	assert.Equal(t, 0, a.Len())

	_, err = a.Get(h)
	assert.True(t, errs.IsUnknownHandle(err))

	_, err = a.Remove(h)
	assert.True(t, errs.IsUnknownHandle(err), "double release fails")
}

func TestArena_StaleHandleAfterReuse(t *testing.T) {
	a := NewArena[int](KindEntry, 0)

	h1, err := a.Add(1)
	require.NoError(t, err)
	_, err = a.Remove(h1)
	require.NoError(t, err)

	h2, err := a.Add(2)
	require.NoError(t, err)
	assert.Equal(t, h1.Index(), h2.Index(), "slot is reused")
	assert.NotEqual(t, h1, h2, "generation differs")

	_, err = a.Get(h1)
	assert.True(t, errs.IsUnknownHandle(err))

	v, err := a.Get(h2)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestArena_ForeignKind(t *testing.T) {
	pubs := NewArena[int](KindPublisher, 0)
	subs := NewArena[int](KindSubscriber, 0)

	h, err := pubs.Add(1)
	require.NoError(t, err)

	_, err = subs.Get(h)
	assert.True(t, errs.IsUnknownHandle(err))

	_, err = pubs.Get(0)
	assert.True(t, errs.IsUnknownHandle(err))
}

func TestArena_Limit(t *testing.T) {
	a := NewArena[int](KindListener, 2)

	_, err := a.Add(1)
	require.NoError(t, err)
	h, err := a.Add(2)
	require.NoError(t, err)

	_, err = a.Add(3)
	assert.True(t, errs.IsResourceExhausted(err))

	_, err = a.Remove(h)
	require.NoError(t, err)
	_, err = a.Add(3)
	assert.NoError(t, err)
}

func TestArena_RetiresWrappedSlot(t *testing.T) {
	a := NewArena[int](KindPublisher, 0)
	h, err := a.Add(1)
	require.NoError(t, err)

	a.mu.Lock()
	a.slots[h.Index()].gen = maxGen
	a.mu.Unlock()
	h = makeHandle(KindPublisher, maxGen, h.Index())

	_, err = a.Remove(h)
	require.NoError(t, err)

	h2, err := a.Add(2)
	require.NoError(t, err)
	assert.NotEqual(t, h.Index(), h2.Index(), "retired slot is not reused")
}

func TestArena_Drain(t *testing.T) {
	a := NewArena[int](KindSubscriber, 0)
	var handles []Handle
	for i := 0; i < 5; i++ {
		h, err := a.Add(i)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	vals := a.Drain()
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, vals)
	assert.Equal(t, 0, a.Len())
	for _, h := range handles {
		_, err := a.Get(h)
		assert.True(t, errs.IsUnknownHandle(err))
	}
}

func TestArena_Concurrent(t *testing.T) {
	a := NewArena[int](KindEntry, 0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h, err := a.Add(w*1000 + i)
				if err != nil {
					t.Error(err)
					return
				}
				v, err := a.Get(h)
				if err != nil || v != w*1000+i {
					t.Errorf("got %d, %v", v, err)
					return
				}
				if _, err := a.Remove(h); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 0, a.Len())
}
