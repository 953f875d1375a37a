// Package handle implements generation-checked opaque handles.
//
// A Handle packs a kind tag, a slot generation, and a slot index into one
// uint64:
//
//	bits 56-63  kind
//	bits 32-55  generation (24 bits)
//	bits  0-31  slot index
//
// Releasing a slot bumps its generation, so a stale copy of a released
// handle no longer matches and fails with UNKNOWN_HANDLE instead of
// aliasing whatever object reuses the slot. A slot whose generation would
// wrap is retired and never reused.
package handle

import (
	"sync"

	"github.com/roach88/nettable/internal/errs"
)

// Kind tags the object family a handle refers to.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindPublisher
	KindSubscriber
	KindMultiSubscriber
	KindEntry
	KindListener
)

func (k Kind) String() string {
	switch k {
	case KindPublisher:
		return "publisher"
	case KindSubscriber:
		return "subscriber"
	case KindMultiSubscriber:
		return "multi-subscriber"
	case KindEntry:
		return "entry"
	case KindListener:
		return "listener"
	}
	return "invalid"
}

const (
	genBits   = 24
	genMask   = 1<<genBits - 1
	maxGen    = genMask
	indexMask = 1<<32 - 1
)

// Handle is an opaque reference into an Arena. The zero Handle is never
// issued.
type Handle uint64

func makeHandle(kind Kind, gen uint32, index uint32) Handle {
	return Handle(uint64(kind)<<56 | uint64(gen&genMask)<<32 | uint64(index))
}

// Kind returns the object family encoded in h.
func (h Handle) Kind() Kind { return Kind(h >> 56) }

// Index returns the slot index encoded in h.
func (h Handle) Index() uint32 { return uint32(h & indexMask) }

// Generation returns the slot generation encoded in h.
func (h Handle) Generation() uint32 { return uint32(h>>32) & genMask }

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h == 0 }

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Arena stores objects addressed by Handles of one Kind.
//
// Thread-safety: all methods are safe for concurrent use.
type Arena[T any] struct {
	mu    sync.Mutex
	kind  Kind
	limit int
	slots []slot[T]
	free  []uint32
	live  int
}

// NewArena creates an arena issuing handles of the given kind. A positive
// limit bounds the number of live objects; zero means unbounded.
func NewArena[T any](kind Kind, limit int) *Arena[T] {
	return &Arena[T]{kind: kind, limit: limit}
}

// Add stores v and returns its handle. Fails with RESOURCE_EXHAUSTED when
// the arena is at its limit.
func (a *Arena[T]) Add(v T) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.limit > 0 && a.live >= a.limit {
		return 0, errs.New(errs.CodeResourceExhausted, "%s table is full (%d)", a.kind, a.limit)
	}

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if len(a.slots) > indexMask {
			return 0, errs.New(errs.CodeResourceExhausted, "%s table has no free slots", a.kind)
		}
		idx = uint32(len(a.slots))
		// generation starts at 1 so that no handle is ever zero
		a.slots = append(a.slots, slot[T]{gen: 1})
	}

	s := &a.slots[idx]
	s.live = true
	s.val = v
	a.live++
	return makeHandle(a.kind, s.gen, idx), nil
}

// lookup returns the live slot for h; callers hold a.mu.
func (a *Arena[T]) lookup(h Handle) (*slot[T], error) {
	if h.Kind() != a.kind {
		return nil, errs.UnknownHandle(uint64(h))
	}
	idx := h.Index()
	if int(idx) >= len(a.slots) {
		return nil, errs.UnknownHandle(uint64(h))
	}
	s := &a.slots[idx]
	if !s.live || s.gen != h.Generation() {
		return nil, errs.UnknownHandle(uint64(h))
	}
	return s, nil
}

// Get returns the object for h, or UNKNOWN_HANDLE if h is stale, foreign,
// or was never issued.
func (a *Arena[T]) Get(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.val, nil
}

// Remove releases h and returns the object it referred to.
func (a *Arena[T]) Remove(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	s, err := a.lookup(h)
	if err != nil {
		return zero, err
	}
	v := s.val
	a.release(h.Index())
	return v, nil
}

// release frees a slot; callers hold a.mu.
func (a *Arena[T]) release(idx uint32) {
	s := &a.slots[idx]
	var zero T
	s.val = zero
	s.live = false
	a.live--
	if s.gen >= maxGen {
		return // retired
	}
	s.gen++
	a.free = append(a.free, idx)
}

// Len returns the number of live objects.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Each calls fn for every live object. fn must not call back into the arena.
func (a *Arena[T]) Each(fn func(Handle, T)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.slots {
		s := &a.slots[i]
		if s.live {
			fn(makeHandle(a.kind, s.gen, uint32(i)), s.val)
		}
	}
}

// Drain releases every live object and returns them. Every outstanding
// handle becomes stale.
func (a *Arena[T]) Drain() []T {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]T, 0, a.live)
	for i := range a.slots {
		if a.slots[i].live {
			out = append(out, a.slots[i].val)
			a.release(uint32(i))
		}
	}
	return out
}
