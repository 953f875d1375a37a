// Package clock provides the engine's time base and ordering counters.
//
// Timestamps are microseconds on a process-local monotonic clock. They are
// used for display and tie-breaking only; per-topic sequence numbers are the
// authoritative ordering.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// epoch anchors Now. time.Since uses the monotonic reading, so wall clock
// adjustments never move Now backwards.
var epoch = time.Now()

// Now returns the current monotonic time in microseconds. The first call
// in a process returns a small positive number, never zero.
func Now() int64 {
	return time.Since(epoch).Microseconds() + 1
}

// Source supplies timestamps. Instances use System unless a test injects
// its own clock.
type Source interface {
	Now() int64
}

// System is the process monotonic clock.
type System struct{}

// Now implements Source.
func (System) Now() int64 { return Now() }

// Sequence is a strictly increasing counter.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Uint64
}

// NewSequenceAt creates a sequence whose next value is start+1.
func NewSequenceAt(start uint64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number and increments the counter.
// Calls are linearizable - each call returns a unique, increasing value.
func (s *Sequence) Next() uint64 {
	return s.seq.Add(1)
}

// Current returns the last issued value without incrementing.
func (s *Sequence) Current() uint64 {
	return s.seq.Load()
}

// Offset estimates the difference between a server's clock and the local
// clock from heartbeat round trips. The sample with the smallest round trip
// wins, since it bounds the estimate most tightly.
type Offset struct {
	mu      sync.Mutex
	offset  int64
	bestRTT int64
	valid   bool
}

// Update records a round trip: the local send time, the server's time when
// it answered, and the local receive time.
func (o *Offset) Update(localSent, serverTime, localRecv int64) {
	rtt := localRecv - localSent
	if rtt < 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.valid && rtt > o.bestRTT {
		return
	}
	o.bestRTT = rtt
	o.offset = serverTime + rtt/2 - localRecv
	o.valid = true
}

// Get returns the current offset (server minus local) and whether any
// sample has been recorded.
func (o *Offset) Get() (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offset, o.valid
}

// RTT returns the best observed round trip in microseconds.
func (o *Offset) RTT() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bestRTT
}

// Reset discards all samples. Called when a link is replaced, since a new
// server may have a different time base.
func (o *Offset) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offset, o.bestRTT, o.valid = 0, 0, false
}

// ToServer converts a local timestamp to server time. Zero stays zero.
func (o *Offset) ToServer(local int64) int64 {
	if local == 0 {
		return 0
	}
	off, _ := o.Get()
	return local + off
}

// ToLocal converts a server timestamp to local time. Zero stays zero.
func (o *Offset) ToLocal(server int64) int64 {
	if server == 0 {
		return 0
	}
	off, _ := o.Get()
	return server - off
}
