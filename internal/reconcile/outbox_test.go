package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/transport"
	"github.com/roach88/nettable/internal/value"
	"github.com/roach88/nettable/internal/wire"
)

type sentFrame struct {
	kind transport.Kind
	data []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (f *fakeSender) Send(kind transport.Kind, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{kind, data})
	return nil
}

// decoded flattens what was sent into "method" and "value:<id>:<seq>" items.
func (f *fakeSender) decoded(t *testing.T) ([]string, []wire.Frame) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		items  []string
		frames []wire.Frame
	)
	for _, s := range f.sent {
		if s.kind == transport.Text {
			msgs, err := wire.DecodeText(s.data)
			require.NoError(t, err)
			for _, m := range msgs {
				items = append(items, string(m.Method))
			}
			continue
		}
		got, err := wire.DecodeFrames(s.data)
		require.NoError(t, err)
		for range got {
			items = append(items, "value")
		}
		frames = append(frames, got...)
	}
	return items, frames
}

func newTopic(t *testing.T, name string, typ value.Type) *topic.Topic {
	t.Helper()
	tp, _, err := topic.NewDirectory().GetOrCreate(name)
	require.NoError(t, err)
	_, err = tp.AddPublisher(typ, "", nil)
	require.NoError(t, err)
	return tp
}

func TestOutbox_CoalescesLatest(t *testing.T) {
	tp := newTopic(t, "/a", value.Double)
	o := NewOutbox(true)
	o.setRoute(tp.ID(), route{wireID: tp.ID()})
	tp.Attach(o, false)

	for i := 1; i <= 50; i++ {
		_, err := tp.Write(value.MakeDouble(float64(i), int64(i)), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, o.Pending())

	s := &fakeSender{}
	require.NoError(t, o.Flush(s))
	_, frames := s.decoded(t)
	require.Len(t, frames, 1)
	d, _ := frames[0].Value.AsDouble()
	assert.Equal(t, 50.0, d)
	assert.Equal(t, uint64(50), frames[0].Seq)
	assert.Equal(t, int64(50), frames[0].Timestamp)
}

func TestOutbox_SendAllKeepsOrder(t *testing.T) {
	tp := newTopic(t, "/a", value.Integer)
	o := NewOutbox(true)
	o.setRoute(tp.ID(), route{wireID: 7, sendAll: true})
	tp.Attach(o, false)

	for i := int64(1); i <= 20; i++ {
		_, err := tp.Write(value.MakeInteger(i, i), nil)
		require.NoError(t, err)
	}

	s := &fakeSender{}
	require.NoError(t, o.Flush(s))
	_, frames := s.decoded(t)
	require.Len(t, frames, 20)
	for i, f := range frames {
		n, _ := f.Value.AsInteger()
		assert.Equal(t, int64(i+1), n)
		assert.Equal(t, int64(7), f.ID)
		assert.Equal(t, uint64(i+1), f.Seq)
	}
}

func TestOutbox_SuppressesDuplicatesAcrossFlushes(t *testing.T) {
	tp := newTopic(t, "/dup", value.Integer)
	o := NewOutbox(true)
	o.setRoute(tp.ID(), route{wireID: 1})
	tp.Attach(o, false)
	s := &fakeSender{}

	write := func(n int64, ts int64) {
		_, err := tp.Write(value.MakeInteger(n, ts), nil)
		require.NoError(t, err)
	}

	write(1, 1)
	require.NoError(t, o.Flush(s))
	// 2 then back to 1 coalesces to 1, which the peer already has
	write(2, 2)
	write(1, 3)
	require.NoError(t, o.Flush(s))
	write(1, 4)
	require.NoError(t, o.Flush(s))

	_, frames := s.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), o.Batches(), "flushes with nothing left to send are not numbered")
}

func TestOutbox_KeepDuplicates(t *testing.T) {
	tp := newTopic(t, "/dup", value.Integer)
	o := NewOutbox(true)
	o.setRoute(tp.ID(), route{wireID: 1, sendAll: true, keepDups: true})
	tp.Attach(o, false)

	for ts := int64(1); ts <= 3; ts++ {
		_, err := tp.Write(value.MakeInteger(5, ts), nil)
		require.NoError(t, err)
	}
	s := &fakeSender{}
	require.NoError(t, o.Flush(s))
	_, frames := s.decoded(t)
	assert.Len(t, frames, 3)
}

func TestOutbox_ControlOrdering(t *testing.T) {
	tp := newTopic(t, "/a", value.Double)
	o := NewOutbox(true)

	o.Control(wire.MustMessage(wire.MethodAnnounce, wire.Announce{Name: "/a", ID: tp.ID(), Type: "double"}))
	o.setRoute(tp.ID(), route{wireID: tp.ID()})
	tp.Attach(o, false)
	_, err := tp.Write(value.MakeDouble(1, 1), nil)
	require.NoError(t, err)
	o.Control(wire.MustMessage(wire.MethodProperties, wire.Properties{Name: "/a", Update: map[string]any{"x": 1}}))
	// a value after a control message is not merged into the one before it
	_, err = tp.Write(value.MakeDouble(2, 2), nil)
	require.NoError(t, err)
	_, err = tp.Write(value.MakeDouble(3, 3), nil)
	require.NoError(t, err)

	s := &fakeSender{}
	require.NoError(t, o.Flush(s))
	items, frames := s.decoded(t)
	assert.Equal(t, []string{"announce", "value", "properties", "value"}, items)
	require.Len(t, frames, 2)
	last, _ := frames[1].Value.AsDouble()
	assert.Equal(t, 3.0, last)
	assert.Len(t, s.sent, 4)
	assert.Zero(t, o.Pending())
}

func TestOutbox_UnroutedAndTopicsOnlyIgnored(t *testing.T) {
	tp := newTopic(t, "/a", value.Double)
	o := NewOutbox(true)
	tp.Attach(o, false)

	_, err := tp.Write(value.MakeDouble(1, 1), nil)
	require.NoError(t, err)
	o.setRoute(tp.ID(), route{wireID: 1, topicsOnly: true})
	_, err = tp.Write(value.MakeDouble(2, 2), nil)
	require.NoError(t, err)
	assert.Zero(t, o.Pending())
}

func TestOutbox_ClientFramesCarryNoSequence(t *testing.T) {
	tp := newTopic(t, "/a", value.Double)
	o := NewOutbox(false)
	o.setRoute(tp.ID(), route{wireID: 3})
	tp.Attach(o, false)
	_, err := tp.Write(value.MakeDouble(1, 10).WithServerTime(99), nil)
	require.NoError(t, err)

	s := &fakeSender{}
	require.NoError(t, o.Flush(s))
	_, frames := s.decoded(t)
	require.Len(t, frames, 1)
	assert.Zero(t, frames[0].Seq)
	assert.Equal(t, int64(99), frames[0].Timestamp, "frames carry server time")
}

func TestStateMachine(t *testing.T) {
	var m stateMachine
	assert.Equal(t, Handshaking, m.get())

	require.NoError(t, m.transition(Synced))
	assert.Error(t, m.transition(Handshaking))
	assert.Error(t, m.transition(Synced))
	require.NoError(t, m.transition(Draining))
	require.NoError(t, m.transition(Closed))
	assert.Error(t, m.transition(Closed))
	assert.Equal(t, "closed", m.get().String())
}
