package reconcile

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/nettable/internal/clock"
	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/transport"
	"github.com/roach88/nettable/internal/value"
	"github.com/roach88/nettable/internal/wire"
)

// Sender is the part of a link the outbox writes to.
type Sender interface {
	Send(kind transport.Kind, data []byte) error
}

// route says how values of one local topic go out on one connection.
type route struct {
	wireID     int64
	sendAll    bool
	keepDups   bool
	topicsOnly bool
}

type entry struct {
	msg   *wire.Message
	topic int64
	frame wire.Frame
}

// Outbox is the ordered outbound queue of one connection. Control messages
// keep their order relative to values. Unless a route asks for every value,
// a topic's pending value is overwritten in place by newer ones; a control
// message starts a new segment, so no value is ever merged across one.
//
// An Outbox is attached to topics as a Sink and so is fed under topic locks.
type Outbox struct {
	withSeq bool

	mu      sync.Mutex
	routes  map[int64]route
	entries []entry
	index   map[int64]int
	queued  map[int64]value.Value
	sent    map[int64]value.Value
	sealed  bool

	flushMu sync.Mutex
	batches clock.Sequence
}

// NewOutbox creates an empty outbox. withSeq controls whether value frames
// carry the topic sequence number (server to client) or zero.
func NewOutbox(withSeq bool) *Outbox {
	return &Outbox{
		withSeq: withSeq,
		routes:  make(map[int64]route),
		index:   make(map[int64]int),
		queued:  make(map[int64]value.Value),
		sent:    make(map[int64]value.Value),
	}
}

func (o *Outbox) setRoute(topicID int64, r route) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[topicID] = r
}

func (o *Outbox) clearRoute(topicID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.routes, topicID)
	delete(o.index, topicID)
	delete(o.queued, topicID)
	delete(o.sent, topicID)
}

func (o *Outbox) routeFor(topicID int64) (route, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.routes[topicID]
	return r, ok
}

// Control appends a control message.
func (o *Outbox) Control(m wire.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return
	}
	o.entries = append(o.entries, entry{msg: &m})
	clear(o.index)
}

// Seal appends last as the final control message. After Seal, Control and
// Deliver drop what they are given; Flush still sends everything queued.
func (o *Outbox) Seal(last wire.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return
	}
	o.entries = append(o.entries, entry{msg: &last})
	clear(o.index)
	o.sealed = true
}

// Deliver implements topic.Sink.
func (o *Outbox) Deliver(t *topic.Topic, v value.Value, seq uint64, _ bool) {
	id := t.ID()
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.routes[id]
	if !ok || r.topicsOnly || o.sealed {
		return
	}
	if !r.keepDups {
		if prev, ok := o.queued[id]; ok && value.Equal(prev, v) {
			return
		}
	}
	o.queued[id] = v

	ts := v.ServerTime()
	if ts == 0 {
		ts = v.Time()
	}
	f := wire.Frame{ID: r.wireID, Timestamp: ts, Value: v}
	if o.withSeq {
		f.Seq = seq
	}
	if !r.sendAll {
		if i, ok := o.index[id]; ok {
			o.entries[i].frame = f
			return
		}
		o.index[id] = len(o.entries)
	}
	o.entries = append(o.entries, entry{topic: id, frame: f})
}

// Batches returns how many non-empty batches have been flushed.
func (o *Outbox) Batches() uint64 {
	return o.batches.Current()
}

// Pending returns the number of queued entries.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *Outbox) take() []entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.entries
	o.entries = nil
	clear(o.index)

	// drop values equal to what the peer already has
	kept := out[:0]
	for _, e := range out {
		if e.msg == nil {
			r, ok := o.routes[e.topic]
			if ok && !r.keepDups {
				if prev, had := o.sent[e.topic]; had && value.Equal(prev, e.frame.Value) {
					continue
				}
			}
			if ok {
				o.sent[e.topic] = e.frame.Value
			}
		}
		kept = append(kept, e)
	}
	return kept
}

// Flush encodes everything queued and hands it to s, returning once the
// frames are queued on the link (not once the peer has them). Consecutive
// control messages share one text frame; consecutive values share one
// binary frame.
func (o *Outbox) Flush(s Sender) error {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	entries := o.take()
	if len(entries) == 0 {
		return nil
	}
	batch := o.batches.Next()
	slog.Debug("flushing batch", "batch", batch, "entries", len(entries))

	var (
		msgs    []wire.Message
		frames  []wire.Frame
		errList []error
	)
	sendText := func() {
		if len(msgs) == 0 {
			return
		}
		data, err := wire.EncodeText(msgs)
		if err == nil {
			err = s.Send(transport.Text, data)
		}
		errList = append(errList, err)
		msgs = msgs[:0]
	}
	sendBinary := func() {
		if len(frames) == 0 {
			return
		}
		data, err := wire.AppendFrames(nil, frames...)
		if err == nil {
			err = s.Send(transport.Binary, data)
		}
		errList = append(errList, err)
		frames = frames[:0]
	}
	for _, e := range entries {
		if e.msg != nil {
			sendBinary()
			msgs = append(msgs, *e.msg)
			continue
		}
		sendText()
		frames = append(frames, e.frame)
	}
	sendText()
	sendBinary()
	return errors.Join(errList...)
}
