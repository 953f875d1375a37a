package topic

import (
	"sync"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/value"
)

// Sink receives every value written to a topic it is attached to.
//
// Deliver runs with the topic lock held, in sequence order. It must be
// bounded (no network I/O, no blocking channel sends) and must not call
// back into the topic. remote is set when the value arrived from a peer.
type Sink interface {
	Deliver(t *Topic, v value.Value, seq uint64, remote bool)
}

// Info is a point-in-time description of a topic.
type Info struct {
	ID         int64
	Name       string
	Type       value.Type
	TypeString string
	Properties Properties
	Published  bool
	Generation uint64
}

// Topic is one named, typed slot of the table together with its current
// value.
//
// All mutable state is guarded by mu, which is per topic: writers to
// different topics never contend.
type Topic struct {
	id   int64
	name string
	dir  *Directory

	mu         sync.Mutex
	typ        value.Type
	typeStr    string
	props      Properties
	generation uint64
	publishers int
	announced  bool   // published by a remote server (client role)
	remoteType string // type string the remote server declared
	refs       int
	removed    bool

	val       value.Value
	seq       uint64
	lastLocal bool
	sinks     []Sink
}

// ID returns the engine-assigned id, unique for the life of the directory.
func (t *Topic) ID() int64 { return t.id }

// Name returns the normalized topic name.
func (t *Topic) Name() string { return t.name }

// Info returns a snapshot of the topic's metadata.
func (t *Topic) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked()
}

// LockedInfo is Info for use inside Sink.Deliver, where the topic lock is
// already held. Calling it anywhere else is a data race.
func (t *Topic) LockedInfo() Info {
	return t.infoLocked()
}

func (t *Topic) infoLocked() Info {
	return Info{
		ID:         t.id,
		Name:       t.name,
		Type:       t.typ,
		TypeString: t.typeStr,
		Properties: t.props.Clone(),
		Published:  t.publishers > 0 || t.announced,
		Generation: t.generation,
	}
}

// Type returns the declared type and type string.
func (t *Topic) Type() (value.Type, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typ, t.typeStr
}

// Published reports whether any publisher (local or remote) exists.
func (t *Topic) Published() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.publishers > 0 || t.announced
}

// Properties returns a copy of the property set.
func (t *Topic) Properties() Properties {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.props.Clone()
}

// SetProperties merges update into the property set and returns the keys
// that changed.
func (t *Topic) SetProperties(update map[string]any) Properties {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.props == nil {
		t.props = Properties{}
	}
	return t.props.Merge(update)
}

// conflictsLocked reports whether declaring typeStr would contradict the
// current declaration. A declared type is locked while the topic is
// published or holds a retained value.
func (t *Topic) conflictsLocked(typeStr string) bool {
	if t.typeStr == "" || t.typeStr == typeStr {
		return false
	}
	locked := t.publishers > 0 || t.announced || (!t.val.IsEmpty() && t.props.Retained())
	return locked
}

// AddPublisher registers a publisher declaring typ/typeStr. A conflicting
// declaration fails with TYPE_CONFLICT and leaves the topic untouched.
// Returns true if this is the first publisher (the topic became published).
func (t *Topic) AddPublisher(typ value.Type, typeStr string, props map[string]any) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed {
		return false, errs.New(errs.CodeUnknownHandle, "topic %q was removed", t.name)
	}
	if typeStr == "" {
		typeStr = typ.String()
	}
	if t.conflictsLocked(typeStr) {
		return false, errs.TypeConflict(t.name, t.typeStr, typeStr)
	}

	first := t.publishers == 0 && !t.announced
	if t.typeStr != typeStr {
		t.typ = typ
		t.typeStr = typeStr
		t.val = value.Value{}
		t.generation++
	} else if first {
		t.generation++
	}
	if t.props == nil {
		t.props = Properties{}
	}
	if len(props) > 0 {
		t.props.Merge(props)
	}
	t.publishers++
	return first, nil
}

// RemovePublisher drops one publisher. Returns true if it was the last
// (the topic became unpublished).
func (t *Topic) RemovePublisher() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishers == 0 {
		return false
	}
	t.publishers--
	last := t.publishers == 0 && !t.announced
	if last && !t.props.Retained() {
		t.val = value.Value{}
	}
	if t.publishers == 0 && t.announced && t.remoteType != "" && t.remoteType != t.typeStr {
		// the local declaration that lost the conflict is gone
		t.typ = value.ParseType(t.remoteType)
		t.typeStr = t.remoteType
		t.val = value.Value{}
		t.generation++
	}
	return last
}

// Publishers returns the number of registered publishers.
func (t *Topic) Publishers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.publishers
}

// Announce records that a remote server has published the topic with the
// given declaration. The server is authoritative for the type unless a
// local publisher holds a different one, in which case TYPE_CONFLICT is
// returned and the local declaration is kept; local writes then fail until
// the declarations agree again.
func (t *Topic) Announce(typ value.Type, typeStr string, props Properties) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed {
		return errs.New(errs.CodeUnknownHandle, "topic %q was removed", t.name)
	}
	var conflict error
	if t.typeStr != typeStr {
		if t.publishers > 0 {
			conflict = errs.TypeConflict(t.name, t.typeStr, typeStr)
		} else {
			t.typ = typ
			t.typeStr = typeStr
			t.val = value.Value{}
		}
	}
	if !t.announced {
		t.generation++
	}
	t.announced = true
	t.remoteType = typeStr
	t.props = props.Clone()
	return conflict
}

// LocalConflict returns TYPE_CONFLICT if the remote server declared the
// topic with a type other than the local one, so local values would never
// be accepted upstream.
func (t *Topic) LocalConflict() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localConflictLocked()
}

func (t *Topic) localConflictLocked() error {
	if t.announced && t.remoteType != "" && t.remoteType != t.typeStr {
		return errs.TypeConflict(t.name, t.remoteType, t.typeStr)
	}
	return nil
}

// Unannounce clears the remote publish state. Returns true if the topic is
// now unpublished.
func (t *Topic) Unannounce() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.announced {
		return false
	}
	t.announced = false
	t.remoteType = ""
	if t.publishers == 0 && !t.props.Retained() {
		t.val = value.Value{}
	}
	return t.publishers == 0
}

// Write stores v as the topic's current value, assigns the next sequence
// number, and fans v out to every attached sink except from.
//
// from is nil for writes made by this process and identifies the peer link
// otherwise. Sequence numbers are assigned in arrival order under the topic
// lock, so they are strictly increasing regardless of timestamps.
//
// When the directory prefers local writes on ties, a remote value whose
// timestamp equals that of a current locally written value is dropped and
// Write returns 0.
func (t *Topic) Write(v value.Value, from Sink) (uint64, error) {
	if v.IsEmpty() {
		return 0, errs.New(errs.CodeInvalidArgument, "cannot write an empty value")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed {
		return 0, errs.New(errs.CodeUnknownHandle, "topic %q was removed", t.name)
	}
	if !value.Compatible(t.typ, v.Type()) {
		return 0, errs.TypeConflict(t.name, t.typeStr, v.Type().String())
	}
	if from == nil {
		if err := t.localConflictLocked(); err != nil {
			return 0, err
		}
	}
	if t.typ.IsNumeric() || t.typ == value.DoubleArray {
		v = value.Convert(v, t.typ)
	}
	if from != nil && t.lastLocal && t.dir.LocalWinsTies() &&
		!t.val.IsEmpty() && v.ServerTime() == t.val.ServerTime() {
		return 0, nil
	}

	t.seq++
	t.val = v
	t.lastLocal = from == nil
	for _, s := range t.sinks {
		if s != from {
			s.Deliver(t, v, t.seq, from != nil)
		}
	}
	return t.seq, nil
}

// Read returns the current value and its sequence number. An empty value
// means nothing has been written (or the value was cleared on unpublish).
func (t *Topic) Read() (value.Value, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.val, t.seq
}

// Attach adds s to the fan-out set. Attaching twice is a no-op. If replay
// is set and a value is present, s immediately receives the current value.
func (t *Topic) Attach(s Sink, replay bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, have := range t.sinks {
		if have == s {
			return
		}
	}
	t.sinks = append(t.sinks, s)
	if replay && !t.val.IsEmpty() {
		s.Deliver(t, t.val, t.seq, !t.lastLocal)
	}
}

// Detach removes s from the fan-out set.
func (t *Topic) Detach(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, have := range t.sinks {
		if have == s {
			last := len(t.sinks) - 1
			t.sinks[i] = t.sinks[last]
			t.sinks[last] = nil
			t.sinks = t.sinks[:last]
			return
		}
	}
}

// Sinks returns the number of attached sinks.
func (t *Topic) Sinks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sinks)
}

// Snapshot returns the metadata and current value under one lock.
func (t *Topic) Snapshot() (Info, value.Value, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked(), t.val, t.seq
}

// Restore seeds a topic loaded from persistent storage: it declares the
// type, installs properties, and stores v without fanning it out.
func (t *Topic) Restore(typ value.Type, typeStr string, props Properties, v value.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typ = typ
	t.typeStr = typeStr
	t.props = props.Clone()
	if !v.IsEmpty() {
		t.seq++
		t.val = v
		t.lastLocal = true
	}
}

// removableLocked reports whether nothing keeps the topic alive.
func (t *Topic) removableLocked() bool {
	if t.refs > 0 || t.publishers > 0 || t.announced {
		return false
	}
	return !(t.props.Retained() && !t.val.IsEmpty())
}
