package topic

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/value"
)

// recordingSink captures deliveries for assertions.
type recordingSink struct {
	mu   sync.Mutex
	seqs []uint64
	vals []value.Value
}

func (s *recordingSink) Deliver(_ *Topic, v value.Value, seq uint64, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, seq)
	s.vals = append(s.vals, v)
}

func (s *recordingSink) snapshot() ([]uint64, []value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...), append([]value.Value(nil), s.vals...)
}

func newTopic(t *testing.T, d *Directory, name string) *Topic {
	t.Helper()
	tp, _, err := d.Acquire(name)
	require.NoError(t, err)
	return tp
}

func TestDirectory_GetOrCreate(t *testing.T) {
	d := NewDirectory()

	t1, created, err := d.GetOrCreate("foo")
	require.NoError(t, err)
	assert.True(t, created)

	t2, created, err := d.GetOrCreate("foo")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, t1, t2)

	got, ok := d.Lookup("foo")
	require.True(t, ok)
	assert.Equal(t, t1.ID(), got.ID())

	byID, ok := d.ByID(t1.ID())
	require.True(t, ok)
	assert.Same(t, t1, byID)

	_, ok = d.Lookup("bar")
	assert.False(t, ok)

	_, _, err = d.GetOrCreate("")
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}

func TestDirectory_NormalizesNames(t *testing.T) {
	d := NewDirectory()
	composed, _, err := d.GetOrCreate("caf\u00e9")
	require.NoError(t, err)
	decomposed, created, err := d.GetOrCreate("cafe\u0301")
	require.NoError(t, err)

	assert.False(t, created)
	assert.Same(t, composed, decomposed)
}

func TestDirectory_ConcurrentCreateIsLinearizable(t *testing.T) {
	d := NewDirectory()
	const workers = 32

	ids := make([]int64, workers)
	created := make([]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tp, c, err := d.GetOrCreate("shared")
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = tp.ID()
			created[i] = c
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators)
	assert.Equal(t, 1, d.Len())
}

func TestDirectory_IDsNeverReused(t *testing.T) {
	d := NewDirectory()
	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		tp := newTopic(t, d, "churn")
		assert.False(t, seen[tp.ID()], "id %d reused", tp.ID())
		seen[tp.ID()] = true
		assert.True(t, d.Release(tp))
	}
	assert.Equal(t, 0, d.Len())
}

func TestDirectory_RemoveInUse(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "x")

	err := d.Remove(tp.ID())
	assert.Equal(t, errs.CodeTopicInUse, errs.CodeOf(err))

	assert.True(t, d.Release(tp))
	_, ok := d.ByID(tp.ID())
	assert.False(t, ok)

	err = d.Remove(tp.ID())
	assert.True(t, errs.IsUnknownHandle(err))

	free, _, err := d.GetOrCreate("free")
	require.NoError(t, err)
	require.NoError(t, d.Remove(free.ID()))
	assert.Equal(t, 0, d.Len())
}

func TestDirectory_MaxTopics(t *testing.T) {
	d := NewDirectory(WithMaxTopics(2))
	_, _, err := d.GetOrCreate("a")
	require.NoError(t, err)
	_, _, err = d.GetOrCreate("b")
	require.NoError(t, err)

	_, _, err = d.GetOrCreate("c")
	assert.True(t, errs.IsResourceExhausted(err))

	_, created, err := d.GetOrCreate("a")
	require.NoError(t, err, "existing topics are unaffected")
	assert.False(t, created)
}

func TestDirectory_Match(t *testing.T) {
	d := NewDirectory()
	for _, n := range []string{"/a/x", "/a/y", "/b/z"} {
		_, _, err := d.GetOrCreate(n)
		require.NoError(t, err)
	}

	names := func(ts []*Topic) []string {
		var out []string
		for _, tp := range ts {
			out = append(out, tp.Name())
		}
		return out
	}
	assert.Equal(t, []string{"/a/x", "/a/y"}, names(d.Match([]string{"/a/"})))
	assert.Len(t, d.Match([]string{""}), 3)
	assert.True(t, MatchesAny("/a/x", []string{"/a/x"}, false))
	assert.False(t, MatchesAny("/a/xy", []string{"/a/x"}, false))
}

func TestTopic_TypeConflict(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "x")

	first, err := tp.AddPublisher(value.Double, "double", nil)
	require.NoError(t, err)
	assert.True(t, first)

	_, err = tp.AddPublisher(value.String, "string", nil)
	assert.True(t, errs.IsTypeConflict(err))

	typ, typeStr := tp.Type()
	assert.Equal(t, value.Double, typ)
	assert.Equal(t, "double", typeStr)
	assert.Equal(t, 1, tp.Publishers())

	second, err := tp.AddPublisher(value.Double, "double", nil)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestTopic_RedeclareAfterUnpublish(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "x")

	_, err := tp.AddPublisher(value.Double, "double", nil)
	require.NoError(t, err)
	gen := tp.Info().Generation
	assert.True(t, tp.RemovePublisher())

	_, err = tp.AddPublisher(value.String, "string", nil)
	require.NoError(t, err)
	info := tp.Info()
	assert.Equal(t, value.String, info.Type)
	assert.Greater(t, info.Generation, gen)
}

func TestTopic_WriteSequencesAndFanOut(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "x")
	_, err := tp.AddPublisher(value.Double, "double", nil)
	require.NoError(t, err)

	a, b := &recordingSink{}, &recordingSink{}
	tp.Attach(a, false)
	tp.Attach(b, false)
	tp.Attach(a, false) // idempotent
	assert.Equal(t, 2, tp.Sinks())

	for i := 1; i <= 3; i++ {
		seq, err := tp.Write(value.MakeDouble(float64(i), int64(i)), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	// b originated this write, so it is skipped
	_, err = tp.Write(value.MakeDouble(4, 4), b)
	require.NoError(t, err)

	seqs, _ := a.snapshot()
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
	seqs, _ = b.snapshot()
	assert.Equal(t, []uint64{1, 2, 3}, seqs)

	v, seq := tp.Read()
	assert.Equal(t, uint64(4), seq)
	got, _ := v.AsDouble()
	assert.Equal(t, 4.0, got)

	tp.Detach(a)
	assert.Equal(t, 1, tp.Sinks())
}

func TestTopic_WriteRejectsWrongType(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "x")
	_, err := tp.AddPublisher(value.Double, "double", nil)
	require.NoError(t, err)

	_, err = tp.Write(value.MakeString("nope", 1), nil)
	assert.True(t, errs.IsTypeConflict(err))

	seq, err := tp.Write(value.MakeInteger(3, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	v, _ := tp.Read()
	assert.Equal(t, value.Double, v.Type(), "integers are widened to the declared type")

	_, err = tp.Write(value.Value{}, nil)
	assert.Error(t, err)
}

func TestTopic_LocalWinsTies(t *testing.T) {
	d := NewDirectory()
	d.SetLocalWinsTies(true)
	tp := newTopic(t, d, "x")
	_, err := tp.AddPublisher(value.Double, "double", nil)
	require.NoError(t, err)

	remote := &recordingSink{}
	_, err = tp.Write(value.MakeDouble(1, 100), nil)
	require.NoError(t, err)

	seq, err := tp.Write(value.MakeDouble(2, 100), remote)
	require.NoError(t, err)
	assert.Zero(t, seq, "remote write at the same timestamp loses")

	seq, err = tp.Write(value.MakeDouble(3, 101), remote)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	v, _ := tp.Read()
	got, _ := v.AsDouble()
	assert.Equal(t, 3.0, got)
}

func TestTopic_ConcurrentWritesNeverTear(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "arr")
	_, err := tp.AddPublisher(value.IntegerArray, "int[]", nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	tp.Attach(sink, false)

	const writers, per = 4, 250
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				n := int64(w*per + i)
				if _, err := tp.Write(value.MakeIntegerArray([]int64{n, n, n}, n), nil); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		var last uint64
		for {
			select {
			case <-stop:
				return
			default:
			}
			v, seq := tp.Read()
			if v.IsEmpty() {
				continue
			}
			arr, _ := v.AsIntegerArray()
			if arr[0] != arr[1] || arr[1] != arr[2] || arr[0] != v.Time() {
				t.Errorf("torn value %v at time %d", arr, v.Time())
				return
			}
			if seq < last {
				t.Errorf("sequence went backwards: %d < %d", seq, last)
				return
			}
			last = seq
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()

	seqs, _ := sink.snapshot()
	require.Len(t, seqs, writers*per)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
}

func TestTopic_RetainedOutlivesPublisher(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "keep")
	_, err := tp.AddPublisher(value.String, "string", map[string]any{PropRetained: true})
	require.NoError(t, err)
	_, err = tp.Write(value.MakeString("v", 1), nil)
	require.NoError(t, err)

	tp.RemovePublisher()
	assert.False(t, d.Release(tp), "retained topic with a value stays")

	v, _ := tp.Read()
	s, _ := v.AsString()
	assert.Equal(t, "v", s)
}

func TestTopic_AnnounceAndUnannounce(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "remote")

	require.NoError(t, tp.Announce(value.Boolean, "boolean", Properties{"cached": true}))
	info := tp.Info()
	assert.True(t, info.Published)
	assert.Equal(t, value.Boolean, info.Type)

	assert.True(t, tp.Unannounce())
	assert.False(t, tp.Published())
	assert.True(t, d.Release(tp))
}

func TestTopic_AnnounceConflictsWithLocalPublisher(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "x")
	_, err := tp.AddPublisher(value.Double, "double", nil)
	require.NoError(t, err)

	err = tp.Announce(value.String, "string", nil)
	assert.True(t, errs.IsTypeConflict(err))
	typ, _ := tp.Type()
	assert.Equal(t, value.Double, typ)
}

func TestTopic_LocalWritesRefusedWhileServerDisagrees(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "x")
	_, err := tp.AddPublisher(value.Double, "double", nil)
	require.NoError(t, err)
	require.Error(t, tp.Announce(value.String, "string", nil))

	assert.True(t, errs.IsTypeConflict(tp.LocalConflict()))
	_, err = tp.Write(value.MakeDouble(1, 1), nil)
	assert.True(t, errs.IsTypeConflict(err), "got %v", err)

	// the losing declaration goes away with its last publisher
	tp.RemovePublisher()
	typ, typeStr := tp.Type()
	assert.Equal(t, value.String, typ)
	assert.Equal(t, "string", typeStr)
	assert.NoError(t, tp.LocalConflict())
	_, err = tp.Write(value.MakeString("ok", 2), nil)
	assert.NoError(t, err)
}

func TestTopic_UnannounceEndsConflict(t *testing.T) {
	d := NewDirectory()
	tp := newTopic(t, d, "x")
	_, err := tp.AddPublisher(value.Double, "double", nil)
	require.NoError(t, err)
	require.Error(t, tp.Announce(value.String, "string", nil))

	tp.Unannounce()
	assert.NoError(t, tp.LocalConflict())
	_, err = tp.Write(value.MakeDouble(1, 1), nil)
	assert.NoError(t, err)
}

func TestProperties(t *testing.T) {
	p := Properties{}
	assert.False(t, p.Persistent())
	assert.False(t, p.Retained())
	assert.True(t, p.Cached())

	changed := p.Merge(map[string]any{PropPersistent: true, "unit": "m"})
	assert.Len(t, changed, 2)
	assert.True(t, p.Retained(), "persistent implies retained")

	changed = p.Merge(map[string]any{"unit": "m"})
	assert.Empty(t, changed)

	changed = p.Merge(map[string]any{"unit": nil})
	assert.Contains(t, changed, "unit")
	assert.NotContains(t, p, "unit")

	data, err := p.MarshalJSON()
	require.NoError(t, err)
	back, err := ParseProperties(data)
	require.NoError(t, err)
	assert.Equal(t, true, back[PropPersistent])

	var nilProps Properties
	data, err = nilProps.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
