package nt

import (
	"context"
	"time"
)

// AddListener queues events of the kinds in mask for topics whose names
// start with one of prefixes. Connection and time sync kinds ignore the
// prefixes. With EventImmediate in mask, events describing the current
// state are queued first.
func (i *Instance) AddListener(prefixes []string, mask EventKind) (Handle, error) {
	return i.tb.AddListener(prefixes, mask)
}

// AddTopicListener listens to a single topic.
func (i *Instance) AddTopicListener(t Topic, mask EventKind) (Handle, error) {
	tp, err := t.get()
	if err != nil {
		return 0, err
	}
	return i.tb.AddTopicListener(tp, mask)
}

// RemoveListener stops a listener. Events it already queued stay queued.
func (i *Instance) RemoveListener(h Handle) error { return i.tb.RemoveListener(h) }

// Poll returns every queued event without blocking.
func (i *Instance) Poll() []Event { return i.tb.Events().Drain() }

// WaitForEvents blocks until an event is queued, timeout elapses (nil, nil),
// ctx is done, or the instance is closed (ErrClosed). A negative timeout
// waits without limit.
func (i *Instance) WaitForEvents(ctx context.Context, timeout time.Duration) ([]Event, error) {
	return i.tb.Events().Wait(ctx, timeout)
}

// DroppedEvents returns how many events were discarded because the queue
// was full.
func (i *Instance) DroppedEvents() uint64 { return i.tb.Events().Dropped() }
