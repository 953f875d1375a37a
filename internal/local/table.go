// Package local implements the handle table: the publishers, subscribers,
// entries, and listeners held by application code, and the delivery of
// values and events to them.
//
// Handles are generation-checked (see internal/handle), so operations on a
// released handle fail with UNKNOWN_HANDLE. After Close every handle is
// invalid and every blocked Wait returns.
//
// The reconciliation engine observes local publish/subscribe activity
// through the Network interface and feeds remote activity back through
// Acquire, Collect, and Emit.
package local

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/nettable/internal/clock"
	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/handle"
	"github.com/roach88/nettable/internal/notify"
	"github.com/roach88/nettable/internal/topic"
)

// Network is notified of local activity that peers need to see. The server
// and client roles each implement it; a local-only instance has none.
//
// Methods are called without any table or topic lock held.
type Network interface {
	Publish(p *Publisher, first bool)
	Unpublish(p *Publisher, last bool)
	Subscribe(s *Subscriber)
	Unsubscribe(s *Subscriber)
	SetProperties(t *topic.Topic, changed topic.Properties)
	Connections() []notify.ConnInfo
}

// Config bounds the table.
type Config struct {
	// MaxHandles bounds each handle family; zero is unbounded.
	MaxHandles int
	// EventCapacity bounds the instance event queue.
	EventCapacity int
	// PollStorage is the default per-subscriber queue depth when SendAll
	// is set (latest-value subscribers always keep one).
	PollStorage int
}

// DefaultConfig returns the table defaults.
func DefaultConfig() Config {
	return Config{
		EventCapacity: 4096,
		PollStorage:   20,
	}
}

// matcher is anything that attaches itself to topics by name pattern:
// multi-subscribers and listeners.
type matcher interface {
	matches(name string) bool
	attach(t *topic.Topic, initial bool)
	forget(id int64)
}

// Table is the handle table of one instance.
type Table struct {
	dir    *topic.Directory
	clk    clock.Source
	cfg    Config
	events *notify.Queue[notify.Event]
	log    *slog.Logger

	pubs      *handle.Arena[*Publisher]
	subs      *handle.Arena[*Subscriber]
	multiSubs *handle.Arena[*Subscriber]
	entries   *handle.Arena[*Entry]
	listeners *handle.Arena[*Listener]

	offset atomic.Pointer[clock.Offset]

	mu       sync.RWMutex
	matchers map[matcher]struct{}
	net      Network
	closed   bool
}

// NewTable creates a handle table over dir.
func NewTable(dir *topic.Directory, clk clock.Source, cfg Config) *Table {
	if clk == nil {
		clk = clock.System{}
	}
	def := DefaultConfig()
	if cfg.EventCapacity <= 0 {
		cfg.EventCapacity = def.EventCapacity
	}
	if cfg.PollStorage <= 0 {
		cfg.PollStorage = def.PollStorage
	}
	return &Table{
		dir:       dir,
		clk:       clk,
		cfg:       cfg,
		events:    notify.NewQueue[notify.Event](cfg.EventCapacity),
		log:       slog.With("component", "handles"),
		pubs:      handle.NewArena[*Publisher](handle.KindPublisher, cfg.MaxHandles),
		subs:      handle.NewArena[*Subscriber](handle.KindSubscriber, cfg.MaxHandles),
		multiSubs: handle.NewArena[*Subscriber](handle.KindMultiSubscriber, cfg.MaxHandles),
		entries:   handle.NewArena[*Entry](handle.KindEntry, cfg.MaxHandles),
		listeners: handle.NewArena[*Listener](handle.KindListener, cfg.MaxHandles),
		matchers:  make(map[matcher]struct{}),
	}
}

// Directory returns the topic directory the table works on.
func (tb *Table) Directory() *topic.Directory { return tb.dir }

// Now returns the table clock's current time.
func (tb *Table) Now() int64 { return tb.clk.Now() }

// SetOffset installs the server time offset used to stamp local writes
// with server time (client role). nil means local time is server time.
func (tb *Table) SetOffset(o *clock.Offset) { tb.offset.Store(o) }

// ServerTime converts a local timestamp to server time.
func (tb *Table) ServerTime(local int64) int64 {
	if o := tb.offset.Load(); o != nil {
		return o.ToServer(local)
	}
	return local
}

// Events returns the instance event queue.
func (tb *Table) Events() *notify.Queue[notify.Event] { return tb.events }

// SetNetwork installs (or, with nil, removes) the network observer.
func (tb *Table) SetNetwork(n Network) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.net = n
}

func (tb *Table) network() Network {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.net
}

func (tb *Table) checkOpen() error {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.closed {
		return errs.ErrClosed
	}
	return nil
}

// GetTopic returns the topic for name, creating it if needed, without
// taking a reference.
func (tb *Table) GetTopic(name string) (*topic.Topic, error) {
	if err := tb.checkOpen(); err != nil {
		return nil, err
	}
	t, created, err := tb.dir.GetOrCreate(name)
	if err != nil {
		return nil, err
	}
	if created {
		tb.topicCreated(t)
	}
	return t, nil
}

// Acquire returns the topic for name with a reference held. New topics are
// matched against every pattern subscriber and listener.
func (tb *Table) Acquire(name string) (*topic.Topic, error) {
	if err := tb.checkOpen(); err != nil {
		return nil, err
	}
	t, created, err := tb.dir.Acquire(name)
	if err != nil {
		return nil, err
	}
	if created {
		tb.topicCreated(t)
	}
	return t, nil
}

// topicCreated re-evaluates pattern matchers for a new topic. Attach is
// idempotent, so racing with a matcher registration is harmless.
func (tb *Table) topicCreated(t *topic.Topic) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	for m := range tb.matchers {
		if m.matches(t.Name()) {
			m.attach(t, false)
		}
	}
}

// Release drops a reference taken by Acquire. Returns true if the topic
// left the directory.
func (tb *Table) Release(t *topic.Topic) bool {
	removed := tb.dir.Release(t)
	if removed {
		tb.topicRemoved(t)
	}
	return removed
}

// Collect removes t if nothing keeps it alive. Returns true if it did.
func (tb *Table) Collect(t *topic.Topic) bool {
	removed := tb.dir.Collect(t)
	if removed {
		tb.topicRemoved(t)
	}
	return removed
}

func (tb *Table) topicRemoved(t *topic.Topic) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	for m := range tb.matchers {
		m.forget(t.ID())
	}
}

func (tb *Table) addMatcher(m matcher) {
	tb.mu.Lock()
	tb.matchers[m] = struct{}{}
	tb.mu.Unlock()

	for _, t := range tb.dir.All() {
		if m.matches(t.Name()) {
			m.attach(t, true)
		}
	}
}

func (tb *Table) removeMatcher(m matcher) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.matchers, m)
}

// Emit delivers a topic event (publish, unpublish, properties) to every
// listener whose mask and pattern match.
func (tb *Table) Emit(kind notify.Kind, info topic.Info) {
	tb.listeners.Each(func(h handle.Handle, l *Listener) {
		if l.mask.Has(kind) && l.matches(info.Name) {
			tb.events.Push(notify.Event{Listener: h, Kind: kind, Topic: info})
		}
	})
}

// EmitConn delivers a connection event to every connection listener.
func (tb *Table) EmitConn(kind notify.Kind, info notify.ConnInfo) {
	tb.listeners.Each(func(h handle.Handle, l *Listener) {
		if l.mask.Has(kind) {
			c := info
			tb.events.Push(notify.Event{Listener: h, Kind: kind, Conn: &c})
		}
	})
}

// EmitTimeSync delivers a time sync event.
func (tb *Table) EmitTimeSync(offset int64) {
	tb.listeners.Each(func(h handle.Handle, l *Listener) {
		if l.mask.Has(notify.KindTimeSync) {
			tb.events.Push(notify.Event{Listener: h, Kind: notify.KindTimeSync, Offset: offset})
		}
	})
}

// Publishers returns every live local publisher.
func (tb *Table) Publishers() []*Publisher {
	var out []*Publisher
	tb.pubs.Each(func(_ handle.Handle, p *Publisher) { out = append(out, p) })
	return out
}

// Subscribers returns every live local subscriber, single and multi.
func (tb *Table) Subscribers() []*Subscriber {
	var out []*Subscriber
	tb.subs.Each(func(_ handle.Handle, s *Subscriber) { out = append(out, s) })
	tb.multiSubs.Each(func(_ handle.Handle, s *Subscriber) { out = append(out, s) })
	return out
}

// Close invalidates every handle, detaches every sink, and closes all
// queues. Blocked waiters return CLOSED.
func (tb *Table) Close() {
	tb.mu.Lock()
	if tb.closed {
		tb.mu.Unlock()
		return
	}
	tb.closed = true
	tb.net = nil
	tb.matchers = make(map[matcher]struct{})
	tb.mu.Unlock()

	tb.entries.Drain()
	for _, p := range tb.pubs.Drain() {
		p.topic.RemovePublisher()
		tb.Release(p.topic)
	}
	for _, s := range tb.subs.Drain() {
		s.close()
		tb.Release(s.topic)
	}
	for _, s := range tb.multiSubs.Drain() {
		s.close()
	}
	for _, l := range tb.listeners.Drain() {
		l.close()
	}
	tb.events.Close()
}
