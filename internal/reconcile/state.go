package reconcile

import (
	"sync"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/transport"
	"github.com/roach88/nettable/internal/wire"
)

// ConnState is the lifecycle state of one peer connection.
type ConnState int

const (
	// Handshaking: the link is up but hello has not been exchanged.
	Handshaking ConnState = iota
	// Synced: hello exchanged, state is flowing both ways.
	Synced
	// Draining: shutting down, no new work accepted.
	Draining
	// Closed: the link is gone and its state released.
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Synced:
		return "synced"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var legal = map[ConnState][]ConnState{
	Handshaking: {Synced, Draining, Closed},
	Synced:      {Draining, Closed},
	Draining:    {Closed},
}

type stateMachine struct {
	mu    sync.Mutex
	state ConnState
}

func (m *stateMachine) get() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to next, rejecting moves the lifecycle does not allow.
func (m *stateMachine) transition(next ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ok := range legal[m.state] {
		if ok == next {
			m.state = next
			return nil
		}
	}
	return errs.New(errs.CodeProtocolViolation, "illegal connection transition %s -> %s", m.state, next)
}

// advance moves from one state to next, and only from that state. It
// reports whether the move happened.
func (m *stateMachine) advance(from, next ConnState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = next
	return true
}

// drain runs a local shutdown of a synced connection: the outbox is sealed
// behind a close message, everything queued is handed to the link, and the
// link closes once those frames are written. It does nothing unless the
// connection is synced.
func drain(state *stateMachine, out *Outbox, l *transport.Link, reason string) error {
	if !state.advance(Synced, Draining) {
		return nil
	}
	out.Seal(wire.MustMessage(wire.MethodClose, wire.Close{Reason: reason}))
	err := out.Flush(l)
	l.Close()
	return err
}
