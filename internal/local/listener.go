package local

import (
	"sync/atomic"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/handle"
	"github.com/roach88/nettable/internal/notify"
	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/value"
)

// Listener routes topic, value, connection, and time sync events into the
// instance event queue. For value events it is attached to each matching
// topic as a Sink.
type Listener struct {
	tb       *Table
	h        handle.Handle
	patterns []string
	prefix   bool
	mask     notify.Kind
	closed   atomic.Bool
}

func (l *Listener) matches(name string) bool {
	return topic.MatchesAny(name, l.patterns, l.prefix)
}

func (l *Listener) attach(t *topic.Topic, initial bool) {
	if l.closed.Load() {
		return
	}
	if initial && l.mask.Has(notify.KindImmediate) && l.mask.Has(notify.KindPublish) {
		if info := t.Info(); info.Published {
			l.tb.events.Push(notify.Event{Listener: l.h, Kind: notify.KindPublish | notify.KindImmediate, Topic: info})
		}
	}
	if l.mask.Has(notify.MaskValue) {
		t.Attach(l, initial && l.mask.Has(notify.KindImmediate))
	}
}

func (l *Listener) forget(int64) {}

// Deliver implements topic.Sink.
func (l *Listener) Deliver(t *topic.Topic, v value.Value, seq uint64, remote bool) {
	if l.closed.Load() {
		return
	}
	kind := notify.KindValueLocal
	if remote {
		kind = notify.KindValueRemote
	}
	if !l.mask.Has(kind) {
		return
	}
	l.tb.events.Push(notify.Event{Listener: l.h, Kind: kind, Topic: t.LockedInfo(), Value: v, Seq: seq})
}

func (l *Listener) close() {
	if l.closed.Swap(true) {
		return
	}
	if !l.mask.Has(notify.MaskValue) {
		return
	}
	for _, t := range l.tb.dir.All() {
		if l.matches(t.Name()) {
			t.Detach(l)
		}
	}
}

// AddListener registers a listener for topics whose names start with any
// of prefixes. Connection and time sync bits in mask work regardless of
// the prefixes. With KindImmediate set, the listener first receives the
// current state: a publish event per published topic, the current value of
// each matching topic, and a connected event per live connection.
func (tb *Table) AddListener(prefixes []string, mask notify.Kind) (handle.Handle, error) {
	norm := make([]string, len(prefixes))
	for i, p := range prefixes {
		norm[i] = topic.NormalizeName(p)
	}
	return tb.addListener(norm, true, mask)
}

// AddTopicListener registers a listener for a single topic.
func (tb *Table) AddTopicListener(t *topic.Topic, mask notify.Kind) (handle.Handle, error) {
	return tb.addListener([]string{t.Name()}, false, mask)
}

func (tb *Table) addListener(patterns []string, prefix bool, mask notify.Kind) (handle.Handle, error) {
	if err := tb.checkOpen(); err != nil {
		return 0, err
	}
	if mask&^notify.KindImmediate == 0 {
		return 0, errs.New(errs.CodeInvalidArgument, "listener mask selects no events")
	}
	l := &Listener{tb: tb, patterns: patterns, prefix: prefix, mask: mask}
	h, err := tb.listeners.Add(l)
	if err != nil {
		return 0, err
	}
	l.h = h

	if len(patterns) > 0 && mask.Has(notify.MaskTopic|notify.MaskValue) {
		tb.addMatcher(l)
	}
	if mask.Has(notify.KindImmediate) && mask.Has(notify.KindConnected) {
		if n := tb.network(); n != nil {
			for _, c := range n.Connections() {
				c := c
				tb.events.Push(notify.Event{Listener: h, Kind: notify.KindConnected | notify.KindImmediate, Conn: &c})
			}
		}
	}
	return h, nil
}

// RemoveListener releases a listener handle. Events it already queued stay
// in the queue.
func (tb *Table) RemoveListener(h handle.Handle) error {
	l, err := tb.listeners.Remove(h)
	if err != nil {
		return err
	}
	tb.removeMatcher(l)
	l.close()
	return nil
}
