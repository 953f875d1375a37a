package local

import (
	"sync"
	"sync/atomic"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/handle"
	"github.com/roach88/nettable/internal/notify"
	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/value"
)

// PubOptions configures a publisher.
type PubOptions struct {
	// SendAll asks peers to forward every value, not just the latest.
	SendAll bool
	// KeepDuplicates writes a value even if it equals the current one.
	KeepDuplicates bool
}

// SubOptions configures a subscriber.
type SubOptions struct {
	// SendAll keeps every intermediate value (up to PollStorage) instead of
	// only the latest per topic.
	SendAll bool
	// KeepDuplicates delivers a value even if it equals the previous one.
	KeepDuplicates bool
	// TopicsOnly subscribes to announcements without values.
	TopicsOnly bool
	// PollStorage bounds the queue when SendAll is set.
	PollStorage int
	// Prefix marks the names as prefixes (set by SubscribeMultiple).
	Prefix bool
}

// Update is one value delivered to a subscriber.
type Update struct {
	TopicID int64
	Name    string
	Value   value.Value
	Seq     uint64
	Remote  bool
}

// Publisher is a live publish registration.
type Publisher struct {
	h       handle.Handle
	topic   *topic.Topic
	typ     value.Type
	typeStr string
	props   topic.Properties
	opts    PubOptions
}

func (p *Publisher) Handle() handle.Handle        { return p.h }
func (p *Publisher) Topic() *topic.Topic          { return p.topic }
func (p *Publisher) Type() value.Type             { return p.typ }
func (p *Publisher) TypeString() string           { return p.typeStr }
func (p *Publisher) Properties() topic.Properties { return p.props.Clone() }
func (p *Publisher) Options() PubOptions          { return p.opts }

// Subscriber receives values for one topic or for every topic matching a
// set of prefixes. It is attached to those topics as a Sink.
type Subscriber struct {
	h       handle.Handle
	topic   *topic.Topic // nil for multi-subscribers
	names   []string
	typ     value.Type
	typeStr string
	opts    SubOptions
	closed  atomic.Bool
	all     *notify.Queue[Update]

	mu       sync.Mutex
	latest   map[int64]Update
	order    []int64
	last     map[int64]value.Value
	attached map[int64]*topic.Topic
}

func newSubscriber(t *topic.Topic, names []string, typ value.Type, typeStr string, opts SubOptions) *Subscriber {
	s := &Subscriber{
		topic:    t,
		names:    names,
		typ:      typ,
		typeStr:  typeStr,
		opts:     opts,
		latest:   make(map[int64]Update),
		last:     make(map[int64]value.Value),
		attached: make(map[int64]*topic.Topic),
	}
	if opts.SendAll {
		s.all = notify.NewQueue[Update](opts.PollStorage)
	}
	return s
}

func (s *Subscriber) Handle() handle.Handle { return s.h }

// Topic returns the subscribed topic, or nil for a multi-subscriber.
func (s *Subscriber) Topic() *topic.Topic { return s.topic }

// Names returns the exact name or the prefixes subscribed to.
func (s *Subscriber) Names() []string { return append([]string(nil), s.names...) }

func (s *Subscriber) TypeString() string  { return s.typeStr }
func (s *Subscriber) Options() SubOptions { return s.opts }

// Matches reports whether the subscriber covers name.
func (s *Subscriber) Matches(name string) bool {
	return topic.MatchesAny(name, s.names, s.opts.Prefix)
}

func (s *Subscriber) matches(name string) bool { return s.Matches(name) }

func (s *Subscriber) attach(t *topic.Topic, _ bool) {
	if s.closed.Load() || s.opts.TopicsOnly {
		return
	}
	s.mu.Lock()
	s.attached[t.ID()] = t
	s.mu.Unlock()
	t.Attach(s, false)
}

func (s *Subscriber) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, id)
	delete(s.last, id)
}

// Deliver implements topic.Sink.
func (s *Subscriber) Deliver(t *topic.Topic, v value.Value, seq uint64, remote bool) {
	if s.closed.Load() {
		return
	}
	if s.typ != value.Unassigned {
		if !value.Compatible(s.typ, v.Type()) {
			return
		}
		if s.typ != value.Raw {
			v = value.Convert(v, s.typ)
		}
	}
	id := t.ID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.KeepDuplicates {
		if prev, ok := s.last[id]; ok && value.Equal(prev, v) {
			return
		}
		s.last[id] = v
	}
	u := Update{TopicID: id, Name: t.Name(), Value: v, Seq: seq, Remote: remote}
	if s.all != nil {
		s.all.Push(u)
		return
	}
	if _, ok := s.latest[id]; !ok {
		s.order = append(s.order, id)
	}
	s.latest[id] = u
}

// read drains the pending updates in delivery order.
func (s *Subscriber) read() []Update {
	if s.all != nil {
		return s.all.Drain()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	out := make([]Update, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.latest[id])
	}
	s.order = s.order[:0]
	clear(s.latest)
	return out
}

// close detaches the subscriber from every topic. Safe to call twice.
func (s *Subscriber) close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	topics := make([]*topic.Topic, 0, len(s.attached))
	for _, t := range s.attached {
		topics = append(topics, t)
	}
	clear(s.attached)
	s.mu.Unlock()

	for _, t := range topics {
		t.Detach(s)
	}
	if s.all != nil {
		s.all.Close()
	}
}

// Entry combines a subscriber with a publisher created on first write.
type Entry struct {
	h       handle.Handle
	topic   *topic.Topic
	typ     value.Type
	typeStr string
	sub     *Subscriber

	mu  sync.Mutex
	pub *Publisher
}

// acquireLive takes a reference on t, or on its replacement if t was
// removed from the directory since the caller obtained it.
func (tb *Table) acquireLive(t *topic.Topic) (*topic.Topic, error) {
	if err := tb.checkOpen(); err != nil {
		return nil, err
	}
	if err := tb.dir.AcquireTopic(t); err == nil {
		return t, nil
	}
	return tb.Acquire(t.Name())
}

// Publish registers a publisher for t with the declared type.
func (tb *Table) Publish(t *topic.Topic, typ value.Type, typeStr string, props map[string]any, opts PubOptions) (handle.Handle, error) {
	p, err := tb.publish(t, typ, typeStr, props, opts)
	if err != nil {
		return 0, err
	}
	return p.h, nil
}

func (tb *Table) publish(t *topic.Topic, typ value.Type, typeStr string, props map[string]any, opts PubOptions) (*Publisher, error) {
	if typ == value.Unassigned {
		return nil, errs.New(errs.CodeInvalidArgument, "cannot publish %q without a type", t.Name())
	}
	if typeStr == "" {
		typeStr = typ.String()
	}
	t, err := tb.acquireLive(t)
	if err != nil {
		return nil, err
	}
	first, err := t.AddPublisher(typ, typeStr, props)
	if err != nil {
		tb.Release(t)
		return nil, err
	}
	p := &Publisher{topic: t, typ: typ, typeStr: typeStr, props: topic.Properties(props).Clone(), opts: opts}
	h, err := tb.pubs.Add(p)
	if err != nil {
		t.RemovePublisher()
		tb.Release(t)
		return nil, err
	}
	p.h = h

	if first {
		tb.Emit(notify.KindPublish, t.Info())
	}
	if n := tb.network(); n != nil {
		n.Publish(p, first)
	}
	tb.log.Debug("publish", "topic", t.Name(), "type", typeStr, "first", first)
	return p, nil
}

// Unpublish releases a publisher handle.
func (tb *Table) Unpublish(h handle.Handle) error {
	p, err := tb.pubs.Remove(h)
	if err != nil {
		return err
	}
	tb.unpublish(p)
	return nil
}

func (tb *Table) unpublish(p *Publisher) {
	last := p.topic.RemovePublisher()
	if last {
		tb.Emit(notify.KindUnpublish, p.topic.Info())
	}
	if n := tb.network(); n != nil {
		n.Unpublish(p, last)
	}
	tb.Release(p.topic)
}

// Subscribe registers a subscriber for exactly t. typ filters values: a
// subscriber only sees values compatible with its declared type (Unassigned
// and Raw see everything).
func (tb *Table) Subscribe(t *topic.Topic, typ value.Type, typeStr string, opts SubOptions) (handle.Handle, error) {
	s, err := tb.subscribe(t, typ, typeStr, opts)
	if err != nil {
		return 0, err
	}
	return s.h, nil
}

func (tb *Table) subscribe(t *topic.Topic, typ value.Type, typeStr string, opts SubOptions) (*Subscriber, error) {
	t, err := tb.acquireLive(t)
	if err != nil {
		return nil, err
	}
	if opts.PollStorage <= 0 {
		opts.PollStorage = tb.cfg.PollStorage
	}
	opts.Prefix = false
	if typeStr == "" && typ != value.Unassigned {
		typeStr = typ.String()
	}
	s := newSubscriber(t, []string{t.Name()}, typ, typeStr, opts)
	h, err := tb.subs.Add(s)
	if err != nil {
		tb.Release(t)
		return nil, err
	}
	s.h = h
	s.attach(t, true)
	if n := tb.network(); n != nil {
		n.Subscribe(s)
	}
	return s, nil
}

// SubscribeMultiple registers a subscriber for every topic whose name
// starts with one of prefixes, now or in the future.
func (tb *Table) SubscribeMultiple(prefixes []string, opts SubOptions) (handle.Handle, error) {
	if err := tb.checkOpen(); err != nil {
		return 0, err
	}
	if len(prefixes) == 0 {
		return 0, errs.New(errs.CodeInvalidArgument, "no prefixes given")
	}
	norm := make([]string, len(prefixes))
	for i, p := range prefixes {
		norm[i] = topic.NormalizeName(p)
	}
	if opts.PollStorage <= 0 {
		opts.PollStorage = tb.cfg.PollStorage
	}
	opts.Prefix = true
	s := newSubscriber(nil, norm, value.Unassigned, "", opts)
	h, err := tb.multiSubs.Add(s)
	if err != nil {
		return 0, err
	}
	s.h = h
	tb.addMatcher(s)
	if n := tb.network(); n != nil {
		n.Subscribe(s)
	}
	return h, nil
}

// Unsubscribe releases a subscriber or multi-subscriber handle.
func (tb *Table) Unsubscribe(h handle.Handle) error {
	var (
		s   *Subscriber
		err error
	)
	switch h.Kind() {
	case handle.KindMultiSubscriber:
		s, err = tb.multiSubs.Remove(h)
	default:
		s, err = tb.subs.Remove(h)
	}
	if err != nil {
		return err
	}
	tb.unsubscribe(s)
	return nil
}

func (tb *Table) unsubscribe(s *Subscriber) {
	if s.topic == nil {
		tb.removeMatcher(s)
	}
	s.close()
	if n := tb.network(); n != nil {
		n.Unsubscribe(s)
	}
	if s.topic != nil {
		tb.Release(s.topic)
	}
}

// GetEntry returns a read/write handle for t. The subscriber side is live
// immediately; the publisher is created by the first SetValue.
func (tb *Table) GetEntry(t *topic.Topic, typ value.Type, typeStr string) (handle.Handle, error) {
	s, err := tb.subscribe(t, typ, typeStr, SubOptions{})
	if err != nil {
		return 0, err
	}
	e := &Entry{topic: s.topic, typ: typ, typeStr: s.typeStr, sub: s}
	h, err := tb.entries.Add(e)
	if err != nil {
		if rm, rerr := tb.subs.Remove(s.h); rerr == nil {
			tb.unsubscribe(rm)
		}
		return 0, err
	}
	e.h = h
	return h, nil
}

// ReleaseEntry releases an entry and its publisher, if one was created.
func (tb *Table) ReleaseEntry(h handle.Handle) error {
	e, err := tb.entries.Remove(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	pub := e.pub
	e.pub = nil
	e.mu.Unlock()
	if pub != nil {
		if p, err := tb.pubs.Remove(pub.h); err == nil {
			tb.unpublish(p)
		}
	}
	if s, err := tb.subs.Remove(e.sub.h); err == nil {
		tb.unsubscribe(s)
	}
	return nil
}

func (tb *Table) entryPublisher(e *Entry, v value.Value) (*Publisher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pub != nil {
		return e.pub, nil
	}
	typ, typeStr := e.typ, e.typeStr
	if typ == value.Unassigned {
		typ, typeStr = v.Type(), ""
	}
	p, err := tb.publish(e.topic, typ, typeStr, nil, PubOptions{})
	if err != nil {
		return nil, err
	}
	e.pub = p
	return p, nil
}

// SetValue writes v through a publisher or entry handle. A zero timestamp
// is replaced by the current time.
func (tb *Table) SetValue(h handle.Handle, v value.Value) error {
	if v.IsEmpty() {
		return errs.New(errs.CodeInvalidArgument, "cannot set an empty value")
	}
	var (
		p   *Publisher
		err error
	)
	switch h.Kind() {
	case handle.KindPublisher:
		p, err = tb.pubs.Get(h)
	case handle.KindEntry:
		var e *Entry
		if e, err = tb.entries.Get(h); err == nil {
			p, err = tb.entryPublisher(e, v)
		}
	default:
		err = errs.UnknownHandle(uint64(h))
	}
	if err != nil {
		return err
	}
	return tb.write(p, v)
}

func (tb *Table) write(p *Publisher, v value.Value) error {
	if !value.Compatible(p.typ, v.Type()) {
		return errs.TypeConflict(p.topic.Name(), p.typeStr, v.Type().String())
	}
	if err := p.topic.LocalConflict(); err != nil {
		return err
	}
	if v.Time() == 0 {
		v = v.WithTime(tb.Now())
	}
	if v.ServerTime() == 0 {
		v = v.WithServerTime(tb.ServerTime(v.Time()))
	}
	if !p.opts.KeepDuplicates {
		if cur, _ := p.topic.Read(); !cur.IsEmpty() && value.Equal(cur, value.Convert(v, cur.Type())) {
			return nil
		}
	}
	_, err := p.topic.Write(v, nil)
	return err
}

// GetValue returns the current value of the topic behind a publisher,
// subscriber, or entry handle, converted to the handle's declared type.
func (tb *Table) GetValue(h handle.Handle) (value.Value, error) {
	t, typ, err := tb.handleTopic(h)
	if err != nil {
		return value.Value{}, err
	}
	v, _ := t.Read()
	if v.IsEmpty() || typ == value.Unassigned || typ == value.Raw {
		return v, nil
	}
	if !value.Compatible(typ, v.Type()) {
		return value.Value{}, nil
	}
	return value.Convert(v, typ), nil
}

// HandleTopic returns the topic behind a publisher, subscriber, or entry.
func (tb *Table) HandleTopic(h handle.Handle) (*topic.Topic, error) {
	t, _, err := tb.handleTopic(h)
	return t, err
}

func (tb *Table) handleTopic(h handle.Handle) (*topic.Topic, value.Type, error) {
	switch h.Kind() {
	case handle.KindPublisher:
		p, err := tb.pubs.Get(h)
		if err != nil {
			return nil, 0, err
		}
		return p.topic, p.typ, nil
	case handle.KindSubscriber:
		s, err := tb.subs.Get(h)
		if err != nil {
			return nil, 0, err
		}
		return s.topic, s.typ, nil
	case handle.KindEntry:
		e, err := tb.entries.Get(h)
		if err != nil {
			return nil, 0, err
		}
		return e.topic, e.typ, nil
	}
	return nil, 0, errs.UnknownHandle(uint64(h))
}

// ReadQueue drains the values delivered to a subscriber, multi-subscriber,
// or entry since the last call.
func (tb *Table) ReadQueue(h handle.Handle) ([]Update, error) {
	var (
		s   *Subscriber
		err error
	)
	switch h.Kind() {
	case handle.KindSubscriber:
		s, err = tb.subs.Get(h)
	case handle.KindMultiSubscriber:
		s, err = tb.multiSubs.Get(h)
	case handle.KindEntry:
		var e *Entry
		if e, err = tb.entries.Get(h); err == nil {
			s = e.sub
		}
	default:
		err = errs.UnknownHandle(uint64(h))
	}
	if err != nil {
		return nil, err
	}
	return s.read(), nil
}

// SetProperties merges update into t's properties, notifies listeners and
// peers of the changed keys, and collects t if it lost the retained flag
// while unpublished.
func (tb *Table) SetProperties(t *topic.Topic, update map[string]any) (topic.Properties, error) {
	if err := tb.checkOpen(); err != nil {
		return nil, err
	}
	changed := t.SetProperties(update)
	if len(changed) == 0 {
		return changed, nil
	}
	tb.Emit(notify.KindProperties, t.Info())
	if n := tb.network(); n != nil {
		n.SetProperties(t, changed)
	}
	tb.Collect(t)
	return changed, nil
}
