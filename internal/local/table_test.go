package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nettable/internal/clock"
	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/handle"
	"github.com/roach88/nettable/internal/notify"
	"github.com/roach88/nettable/internal/testutil"
	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/value"
)

type fakeNetwork struct {
	mu      sync.Mutex
	calls   []string
	conns   []notify.ConnInfo
	changed []topic.Properties
}

func (n *fakeNetwork) record(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, s)
}

func (n *fakeNetwork) Publish(p *Publisher, first bool) {
	if first {
		n.record("publish-first " + p.Topic().Name())
		return
	}
	n.record("publish " + p.Topic().Name())
}

func (n *fakeNetwork) Unpublish(p *Publisher, last bool) {
	if last {
		n.record("unpublish-last " + p.Topic().Name())
		return
	}
	n.record("unpublish " + p.Topic().Name())
}

func (n *fakeNetwork) Subscribe(s *Subscriber)   { n.record("subscribe " + s.Names()[0]) }
func (n *fakeNetwork) Unsubscribe(s *Subscriber) { n.record("unsubscribe " + s.Names()[0]) }

func (n *fakeNetwork) SetProperties(t *topic.Topic, changed topic.Properties) {
	n.mu.Lock()
	n.changed = append(n.changed, changed)
	n.mu.Unlock()
	n.record("properties " + t.Name())
}

func (n *fakeNetwork) Connections() []notify.ConnInfo { return n.conns }

func (n *fakeNetwork) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func newTestTable(t *testing.T) (*Table, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock(1_000_000)
	tb := NewTable(topic.NewDirectory(), clk, Config{})
	t.Cleanup(tb.Close)
	return tb, clk
}

func mustTopic(t *testing.T, tb *Table, name string) *topic.Topic {
	t.Helper()
	tp, err := tb.GetTopic(name)
	require.NoError(t, err)
	return tp
}

func TestPublishSubscribe_Local(t *testing.T) {
	tb, clk := newTestTable(t)
	tp := mustTopic(t, tb, "/a")

	sub, err := tb.Subscribe(tp, value.Double, "", SubOptions{})
	require.NoError(t, err)
	pub, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	assert.Equal(t, handle.KindPublisher, pub.Kind())
	assert.True(t, tp.Published())

	require.NoError(t, tb.SetValue(pub, value.MakeDouble(1.5, 0)))

	got, err := tb.GetValue(sub)
	require.NoError(t, err)
	d, ok := got.AsDouble()
	require.True(t, ok)
	assert.Equal(t, 1.5, d)
	assert.Equal(t, clk.Now(), got.Time(), "zero time is replaced with now")
	assert.Equal(t, got.Time(), got.ServerTime(), "without an offset server time is local time")

	updates, err := tb.ReadQueue(sub)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "/a", updates[0].Name)
	assert.False(t, updates[0].Remote)

	updates, err = tb.ReadQueue(sub)
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestSubscriber_LatestOnlyCoalesces(t *testing.T) {
	tb, clk := newTestTable(t)
	tp := mustTopic(t, tb, "/latest")

	sub, err := tb.Subscribe(tp, value.Integer, "", SubOptions{})
	require.NoError(t, err)
	pub, err := tb.Publish(tp, value.Integer, "", nil, PubOptions{})
	require.NoError(t, err)

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, tb.SetValue(pub, value.MakeInteger(i, clk.Tick())))
	}

	updates, err := tb.ReadQueue(sub)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	n, _ := updates[0].Value.AsInteger()
	assert.Equal(t, int64(10), n)
	assert.Equal(t, uint64(10), updates[0].Seq)
}

func TestSubscriber_SendAllKeepsEveryValue(t *testing.T) {
	tb, clk := newTestTable(t)
	tp := mustTopic(t, tb, "/all")

	sub, err := tb.Subscribe(tp, value.Integer, "", SubOptions{SendAll: true, PollStorage: 100})
	require.NoError(t, err)
	pub, err := tb.Publish(tp, value.Integer, "", nil, PubOptions{})
	require.NoError(t, err)

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, tb.SetValue(pub, value.MakeInteger(i, clk.Tick())))
	}

	updates, err := tb.ReadQueue(sub)
	require.NoError(t, err)
	require.Len(t, updates, 10)
	for i, u := range updates {
		n, _ := u.Value.AsInteger()
		assert.Equal(t, int64(i+1), n)
		assert.Equal(t, uint64(i+1), u.Seq)
	}
}

func TestSubscriber_KeepDuplicates(t *testing.T) {
	tb, clk := newTestTable(t)
	tp := mustTopic(t, tb, "/dup")

	dedup, err := tb.Subscribe(tp, value.Boolean, "", SubOptions{SendAll: true})
	require.NoError(t, err)
	keep, err := tb.Subscribe(tp, value.Boolean, "", SubOptions{SendAll: true, KeepDuplicates: true})
	require.NoError(t, err)
	pub, err := tb.Publish(tp, value.Boolean, "", nil, PubOptions{KeepDuplicates: true})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, tb.SetValue(pub, value.MakeBoolean(true, clk.Tick())))
	}

	got, err := tb.ReadQueue(dedup)
	require.NoError(t, err)
	assert.Len(t, got, 1, "identical consecutive values are suppressed")

	got, err = tb.ReadQueue(keep)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestPublisher_SuppressesDuplicateWrites(t *testing.T) {
	tb, clk := newTestTable(t)
	tp := mustTopic(t, tb, "/pdup")
	pub, err := tb.Publish(tp, value.String, "", nil, PubOptions{})
	require.NoError(t, err)

	require.NoError(t, tb.SetValue(pub, value.MakeString("x", clk.Tick())))
	require.NoError(t, tb.SetValue(pub, value.MakeString("x", clk.Tick())))

	_, seq := tp.Read()
	assert.Equal(t, uint64(1), seq)
}

func TestSubscriber_TypedIgnoresOtherTypes(t *testing.T) {
	tb, clk := newTestTable(t)
	tp := mustTopic(t, tb, "/typed")

	strSub, err := tb.Subscribe(tp, value.String, "", SubOptions{})
	require.NoError(t, err)
	dblSub, err := tb.Subscribe(tp, value.Double, "", SubOptions{})
	require.NoError(t, err)
	pub, err := tb.Publish(tp, value.Integer, "", nil, PubOptions{})
	require.NoError(t, err)

	require.NoError(t, tb.SetValue(pub, value.MakeInteger(7, clk.Tick())))

	got, err := tb.ReadQueue(strSub)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = tb.ReadQueue(dblSub)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, value.Double, got[0].Value.Type(), "numeric values are widened to the subscriber type")

	v, err := tb.GetValue(strSub)
	require.NoError(t, err)
	assert.True(t, v.IsEmpty())
}

func TestPublish_TypeConflict(t *testing.T) {
	tb, _ := newTestTable(t)
	tp := mustTopic(t, tb, "/conflict")

	_, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	_, err = tb.Publish(tp, value.String, "", nil, PubOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsTypeConflict(err))
	assert.Equal(t, 1, tp.Publishers())
}

func TestSetValue_WrongTypeRejected(t *testing.T) {
	tb, _ := newTestTable(t)
	tp := mustTopic(t, tb, "/wrong")
	pub, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)

	err = tb.SetValue(pub, value.MakeString("no", 1))
	assert.True(t, errs.IsTypeConflict(err))
}

func TestUnpublish_StaleHandle(t *testing.T) {
	tb, _ := newTestTable(t)
	tp := mustTopic(t, tb, "/stale")
	pub, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)

	require.NoError(t, tb.Unpublish(pub))
	assert.True(t, errs.IsUnknownHandle(tb.Unpublish(pub)))
	assert.True(t, errs.IsUnknownHandle(tb.SetValue(pub, value.MakeDouble(1, 1))))
	assert.True(t, errs.IsUnknownHandle(tb.Unsubscribe(pub)), "a publisher handle is not a subscriber")
}

func TestUnpublish_RemovesUnreferencedTopic(t *testing.T) {
	tb, _ := newTestTable(t)
	tp := mustTopic(t, tb, "/gone")
	pub, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	require.NoError(t, tb.Unpublish(pub))

	_, ok := tb.Directory().Lookup("/gone")
	assert.False(t, ok)

	// the stale *Topic still works as a name for a fresh publish
	pub, err = tb.Publish(tp, value.String, "", nil, PubOptions{})
	require.NoError(t, err)
	fresh, ok := tb.Directory().Lookup("/gone")
	require.True(t, ok)
	assert.NotEqual(t, tp.ID(), fresh.ID())
	_, err = tb.HandleTopic(pub)
	require.NoError(t, err)
}

func TestRetainedTopicSurvivesUnpublish(t *testing.T) {
	tb, clk := newTestTable(t)
	tp := mustTopic(t, tb, "/kept")
	pub, err := tb.Publish(tp, value.Double, "", map[string]any{topic.PropRetained: true}, PubOptions{})
	require.NoError(t, err)
	require.NoError(t, tb.SetValue(pub, value.MakeDouble(3, clk.Tick())))
	require.NoError(t, tb.Unpublish(pub))

	got, ok := tb.Directory().Lookup("/kept")
	require.True(t, ok)
	v, _ := got.Read()
	assert.False(t, v.IsEmpty())

	_, err = tb.SetProperties(got, map[string]any{topic.PropRetained: false})
	require.NoError(t, err)
	_, ok = tb.Directory().Lookup("/kept")
	assert.False(t, ok, "dropping retained on an unpublished topic collects it")
}

func TestSubscribeMultiple_MatchesFutureTopics(t *testing.T) {
	tb, clk := newTestTable(t)
	early := mustTopic(t, tb, "/sensors/a")

	multi, err := tb.SubscribeMultiple([]string{"/sensors/"}, SubOptions{SendAll: true})
	require.NoError(t, err)
	assert.Equal(t, handle.KindMultiSubscriber, multi.Kind())

	pa, err := tb.Publish(early, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	pb, err := tb.Publish(mustTopic(t, tb, "/sensors/b"), value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	other, err := tb.Publish(mustTopic(t, tb, "/other"), value.Double, "", nil, PubOptions{})
	require.NoError(t, err)

	require.NoError(t, tb.SetValue(pa, value.MakeDouble(1, clk.Tick())))
	require.NoError(t, tb.SetValue(pb, value.MakeDouble(2, clk.Tick())))
	require.NoError(t, tb.SetValue(other, value.MakeDouble(3, clk.Tick())))

	updates, err := tb.ReadQueue(multi)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "/sensors/a", updates[0].Name)
	assert.Equal(t, "/sensors/b", updates[1].Name)

	require.NoError(t, tb.Unsubscribe(multi))
	require.NoError(t, tb.SetValue(pa, value.MakeDouble(4, clk.Tick())))
	_, err = tb.ReadQueue(multi)
	assert.True(t, errs.IsUnknownHandle(err))
	assert.Equal(t, 0, early.Sinks())
}

func TestEntry_LazyPublisher(t *testing.T) {
	tb, clk := newTestTable(t)
	tp := mustTopic(t, tb, "/entry")

	e, err := tb.GetEntry(tp, value.Unassigned, "")
	require.NoError(t, err)
	assert.False(t, tp.Published())

	require.NoError(t, tb.SetValue(e, value.MakeString("hi", clk.Tick())))
	assert.True(t, tp.Published())
	typ, typeStr := tp.Type()
	assert.Equal(t, value.String, typ)
	assert.Equal(t, "string", typeStr)

	v, err := tb.GetValue(e)
	require.NoError(t, err)
	s, _ := v.AsString()
	assert.Equal(t, "hi", s)

	updates, err := tb.ReadQueue(e)
	require.NoError(t, err)
	assert.Len(t, updates, 1)

	require.NoError(t, tb.ReleaseEntry(e))
	assert.False(t, tp.Published())
	assert.True(t, errs.IsUnknownHandle(tb.ReleaseEntry(e)))
}

func TestNetworkObservesActivity(t *testing.T) {
	tb, _ := newTestTable(t)
	net := &fakeNetwork{}
	tb.SetNetwork(net)
	tp := mustTopic(t, tb, "/net")

	p1, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	p2, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	s, err := tb.Subscribe(tp, value.Double, "", SubOptions{})
	require.NoError(t, err)
	_, err = tb.SetProperties(tp, map[string]any{"unit": "m"})
	require.NoError(t, err)
	_, err = tb.SetProperties(tp, map[string]any{"unit": "m"})
	require.NoError(t, err)
	require.NoError(t, tb.Unsubscribe(s))
	require.NoError(t, tb.Unpublish(p1))
	require.NoError(t, tb.Unpublish(p2))

	assert.Equal(t, []string{
		"publish-first /net",
		"publish /net",
		"subscribe /net",
		"properties /net",
		"unsubscribe /net",
		"unpublish /net",
		"unpublish-last /net",
	}, net.Calls())
}

func TestListener_TopicAndValueEvents(t *testing.T) {
	tb, clk := newTestTable(t)
	l, err := tb.AddListener([]string{"/x"}, notify.MaskTopic|notify.MaskValue)
	require.NoError(t, err)

	tp := mustTopic(t, tb, "/x/1")
	pub, err := tb.Publish(tp, value.Integer, "", nil, PubOptions{})
	require.NoError(t, err)
	require.NoError(t, tb.SetValue(pub, value.MakeInteger(9, clk.Tick())))
	_, err = tb.SetProperties(tp, map[string]any{"unit": "s"})
	require.NoError(t, err)
	require.NoError(t, tb.Unpublish(pub))

	events := tb.Events().Drain()
	require.Len(t, events, 4)
	assert.Equal(t, notify.KindPublish, events[0].Kind)
	assert.Equal(t, notify.KindValueLocal, events[1].Kind)
	n, _ := events[1].Value.AsInteger()
	assert.Equal(t, int64(9), n)
	assert.Equal(t, notify.KindProperties, events[2].Kind)
	assert.Equal(t, "s", events[2].Topic.Properties["unit"])
	assert.Equal(t, notify.KindUnpublish, events[3].Kind)
	for _, e := range events {
		assert.Equal(t, l, e.Listener)
		assert.Equal(t, "/x/1", e.Topic.Name)
	}
}

func TestListener_Immediate(t *testing.T) {
	tb, clk := newTestTable(t)
	net := &fakeNetwork{conns: []notify.ConnInfo{{ID: "c1", RemoteID: "robot"}}}
	tb.SetNetwork(net)

	tp := mustTopic(t, tb, "/imm")
	pub, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	require.NoError(t, tb.SetValue(pub, value.MakeDouble(2, clk.Tick())))

	_, err = tb.AddListener([]string{""}, notify.MaskAll|notify.KindImmediate)
	require.NoError(t, err)

	events := tb.Events().Drain()
	require.Len(t, events, 3)
	assert.True(t, events[0].Kind.Has(notify.KindPublish))
	assert.True(t, events[0].Kind.Has(notify.KindImmediate))
	assert.Equal(t, notify.KindValueLocal, events[1].Kind)
	assert.True(t, events[2].Kind.Has(notify.KindConnected))
	require.NotNil(t, events[2].Conn)
	assert.Equal(t, "robot", events[2].Conn.RemoteID)
}

func TestListener_ConnectionEvents(t *testing.T) {
	tb, _ := newTestTable(t)
	conn, err := tb.AddListener(nil, notify.MaskConnection)
	require.NoError(t, err)
	_, err = tb.AddListener(nil, notify.KindTimeSync)
	require.NoError(t, err)

	tb.EmitConn(notify.KindConnected, notify.ConnInfo{ID: "c"})
	tb.EmitTimeSync(42)

	events := tb.Events().Drain()
	require.Len(t, events, 2)
	assert.Equal(t, conn, events[0].Listener)
	assert.Equal(t, notify.KindConnected, events[0].Kind)
	assert.Equal(t, int64(42), events[1].Offset)

	require.NoError(t, tb.RemoveListener(conn))
	tb.EmitConn(notify.KindDisconnected, notify.ConnInfo{ID: "c"})
	assert.Empty(t, tb.Events().Drain())
}

func TestListener_EmptyMaskRejected(t *testing.T) {
	tb, _ := newTestTable(t)
	_, err := tb.AddListener([]string{"/"}, notify.KindImmediate)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestServerTimeUsesOffset(t *testing.T) {
	tb, clk := newTestTable(t)
	off := new(clock.Offset)
	off.Update(0, 5000, 0)
	tb.SetOffset(off)

	tp := mustTopic(t, tb, "/ts")
	pub, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	require.NoError(t, tb.SetValue(pub, value.MakeDouble(1, 0)))

	v, _ := tp.Read()
	assert.Equal(t, clk.Now(), v.Time())
	assert.Equal(t, clk.Now()+5000, v.ServerTime())
}

func TestClose_InvalidatesHandlesAndWakesWaiters(t *testing.T) {
	tb, _ := newTestTable(t)
	tp := mustTopic(t, tb, "/close")
	pub, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
	require.NoError(t, err)
	sub, err := tb.Subscribe(tp, value.Double, "", SubOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := tb.Events().Wait(context.Background(), -1)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	tb.Close()
	tb.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
	assert.True(t, errs.IsUnknownHandle(tb.SetValue(pub, value.MakeDouble(1, 1))))
	_, err = tb.ReadQueue(sub)
	assert.True(t, errs.IsUnknownHandle(err))
	_, err = tb.GetTopic("/new")
	assert.True(t, errs.IsClosed(err))
	assert.False(t, tp.Published())
}

func TestConcurrentPublishersAndSubscribers(t *testing.T) {
	tb, _ := newTestTable(t)
	const workers = 8

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tp, err := tb.GetTopic("/churn")
				if !assert.NoError(t, err) {
					return
				}
				p, err := tb.Publish(tp, value.Double, "", nil, PubOptions{})
				if !assert.NoError(t, err) {
					return
				}
				s, err := tb.Subscribe(tp, value.Double, "", SubOptions{})
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, tb.SetValue(p, value.MakeDouble(float64(j), int64(j+1))))
				assert.NoError(t, tb.Unsubscribe(s))
				assert.NoError(t, tb.Unpublish(p))
			}
		}()
	}
	wg.Wait()

	_, ok := tb.Directory().Lookup("/churn")
	assert.False(t, ok, "topic is removed once every handle is gone")
}
