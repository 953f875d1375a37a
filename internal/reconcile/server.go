package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/local"
	"github.com/roach88/nettable/internal/notify"
	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/transport"
	"github.com/roach88/nettable/internal/value"
	"github.com/roach88/nettable/internal/wire"
)

// Server is the authoritative side. It accepts client links, applies their
// publishes and values to the directory, and forwards every change to the
// clients whose subscriptions match.
type Server struct {
	tb       *local.Table
	settings *transport.Settings
	ids      IDGenerator
	id       string
	log      *slog.Logger

	mu    sync.RWMutex
	conns map[string]*serverConn
	ts    *transport.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerIDs sets the generator for the server and connection ids.
func WithServerIDs(g IDGenerator) ServerOption {
	return func(s *Server) { s.ids = g }
}

// WithServerTransport sets the link settings.
func WithServerTransport(settings *transport.Settings) ServerOption {
	return func(s *Server) { s.settings = settings }
}

// NewServer creates a server over tb. It does nothing until Listen.
func NewServer(tb *local.Table, opts ...ServerOption) *Server {
	s := &Server{
		tb:       tb,
		settings: transport.DefaultSettings(),
		ids:      UUIDv7Generator{},
		conns:    make(map[string]*serverConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.id = s.ids.Generate()
	s.log = slog.With("component", "server", "server_id", s.id)
	return s
}

// ID returns the server instance id sent to clients in hello.
func (s *Server) ID() string { return s.id }

// Listen starts accepting clients on addr and makes the table report local
// activity to this server. Local writes win timestamp ties from now on.
func (s *Server) Listen(addr string) error {
	s.tb.Directory().SetLocalWinsTies(true)
	s.tb.SetNetwork(s)
	ts, err := transport.Listen(addr, s.settings, s.accept)
	if err != nil {
		s.tb.SetNetwork(nil)
		return err
	}
	s.mu.Lock()
	s.ts = ts
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ts == nil {
		return nil
	}
	return s.ts.Addr()
}

// Close drains every client link, so changes queued before Close still go
// out, and stops listening.
func (s *Server) Close(ctx context.Context) error {
	s.tb.SetNetwork(nil)
	for _, c := range s.snapshot() {
		if err := drain(&c.state, c.out, c.link, "server stopping"); err != nil {
			c.log.Debug("final flush incomplete", "error", err)
		}
	}
	s.mu.Lock()
	ts := s.ts
	s.ts = nil
	s.mu.Unlock()
	if ts == nil {
		return nil
	}
	return ts.Close(ctx)
}

// Flush hands every connection's queued changes to its link.
func (s *Server) Flush() error {
	var errList []error
	for _, c := range s.snapshot() {
		if c.state.get() != Synced {
			continue
		}
		errList = append(errList, c.out.Flush(c.link))
	}
	return errors.Join(errList...)
}

func (s *Server) snapshot() []*serverConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Connections implements local.Network.
func (s *Server) Connections() []notify.ConnInfo {
	var out []notify.ConnInfo
	for _, c := range s.snapshot() {
		if c.state.get() == Synced {
			out = append(out, c.connInfo())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since < out[j].Since })
	return out
}

// Publish implements local.Network.
func (s *Server) Publish(p *local.Publisher, first bool) {
	if first {
		s.topicPublished(p.Topic(), nil, 0)
	}
}

// Unpublish implements local.Network.
func (s *Server) Unpublish(p *local.Publisher, last bool) {
	if last {
		s.topicUnpublished(p.Topic())
	}
}

// Subscribe implements local.Network. Local subscribers are served by the
// table directly.
func (s *Server) Subscribe(*local.Subscriber) {}

// Unsubscribe implements local.Network.
func (s *Server) Unsubscribe(*local.Subscriber) {}

// SetProperties implements local.Network.
func (s *Server) SetProperties(t *topic.Topic, changed topic.Properties) {
	s.propertiesChanged(t, changed, nil)
}

func (s *Server) propertiesChanged(t *topic.Topic, changed topic.Properties, origin *serverConn) {
	msg := wire.MustMessage(wire.MethodProperties, wire.Properties{Name: t.Name(), Update: changed})
	acked := false
	for _, c := range s.snapshot() {
		if c.isAnnounced(t) {
			c.out.Control(msg)
			acked = acked || c == origin
		}
	}
	if origin != nil && !acked {
		origin.out.Control(wire.MustMessage(wire.MethodProperties,
			wire.Properties{Name: t.Name(), Ack: true, Update: changed}))
	}
	if !visible(t) {
		s.topicUnpublished(t)
	}
}

// visible reports whether clients should see t: it is published, or it
// keeps a retained value with no publisher.
func visible(t *topic.Topic) bool {
	info, v, _ := t.Snapshot()
	return info.Published || (info.Properties.Retained() && !v.IsEmpty())
}

// topicPublished announces t to every interested connection. origin, if
// set, is the connection whose publish made it so and gets the ack.
func (s *Server) topicPublished(t *topic.Topic, origin *serverConn, pubuid int64) {
	for _, c := range s.snapshot() {
		if c == origin {
			c.announce(t, &pubuid)
			continue
		}
		if c.state.get() == Synced && c.interested(t.Name()) {
			c.announce(t, nil)
		}
	}
}

// topicUnpublished withdraws t from every connection, unless it is still
// visible as a retained value.
func (s *Server) topicUnpublished(t *topic.Topic) {
	if visible(t) {
		return
	}
	for _, c := range s.snapshot() {
		c.unannounce(t)
	}
}

func (s *Server) accept(l *transport.Link) (transport.Handler, error) {
	c := &serverConn{
		srv:       s,
		link:      l,
		id:        s.ids.Generate(),
		out:       NewOutbox(true),
		subs:      make(map[int64]*remoteSub),
		pubs:      make(map[int64]*topic.Topic),
		announced: make(map[int64]announcedTopic),
	}
	c.log = slog.With("component", "server", "conn", c.id, "peer", l.RemoteAddr())
	c.info = notify.ConnInfo{ID: c.id, RemoteID: l.Identity(), Addr: l.RemoteAddr()}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	c.log.Debug("link accepted")
	return c, nil
}

func (s *Server) drop(c *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

type remoteSub struct {
	patterns []string
	opts     wire.SubscribeOptions
}

func (r *remoteSub) matches(name string) bool {
	return topic.MatchesAny(name, r.patterns, r.opts.Prefix)
}

type announcedTopic struct {
	topic      *topic.Topic
	generation uint64
	attached   bool
}

// serverConn is the server's view of one client.
type serverConn struct {
	srv   *Server
	link  *transport.Link
	id    string
	state stateMachine
	out   *Outbox
	log   *slog.Logger

	mu        sync.Mutex
	info      notify.ConnInfo
	subs      map[int64]*remoteSub
	pubs      map[int64]*topic.Topic
	announced map[int64]announcedTopic
}

func (c *serverConn) connInfo() notify.ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *serverConn) interested(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.matches(name) {
			return true
		}
	}
	return false
}

func (c *serverConn) isAnnounced(t *topic.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.announced[t.ID()]
	return ok
}

// announce tells the client about t (again, if its declaration changed or
// pubuid acknowledges a publish) and routes its values per the client's
// subscriptions.
func (c *serverConn) announce(t *topic.Topic, pubuid *int64) {
	info := t.Info()

	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.announced[info.ID]
	if !ok || a.generation != info.Generation || pubuid != nil {
		c.out.Control(wire.MustMessage(wire.MethodAnnounce, wire.Announce{
			Name:       info.Name,
			ID:         info.ID,
			Type:       info.TypeString,
			PubUID:     pubuid,
			Properties: info.Properties,
		}))
	}
	a.topic = t
	a.generation = info.Generation
	c.announced[info.ID] = a
	c.rerouteLocked(info.ID)
}

func (c *serverConn) unannounce(t *topic.Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.announced[t.ID()]
	if !ok {
		return
	}
	delete(c.announced, t.ID())
	if a.attached {
		c.out.clearRoute(t.ID())
		t.Detach(c.out)
	}
	c.out.Control(wire.MustMessage(wire.MethodUnannounce, wire.Unannounce{Name: t.Name(), ID: t.ID()}))
}

// rerouteLocked recomputes how values of an announced topic reach this
// client from the union of matching subscriptions, attaching or detaching
// the outbox. A newly attached topic replays its current value.
func (c *serverConn) rerouteLocked(id int64) {
	a, ok := c.announced[id]
	if !ok {
		return
	}
	var (
		r       = route{wireID: id, topicsOnly: true}
		matched bool
	)
	for _, sub := range c.subs {
		if !sub.matches(a.topic.Name()) {
			continue
		}
		matched = true
		r.sendAll = r.sendAll || sub.opts.All
		r.keepDups = r.keepDups || sub.opts.KeepDuplicates
		r.topicsOnly = r.topicsOnly && sub.opts.TopicsOnly
	}
	want := matched && !r.topicsOnly
	switch {
	case want:
		c.out.setRoute(id, r)
		if !a.attached {
			a.attached = true
			c.announced[id] = a
			a.topic.Attach(c.out, true)
		}
	case a.attached:
		a.attached = false
		c.announced[id] = a
		c.out.clearRoute(id)
		a.topic.Detach(c.out)
	}
}

// Received implements transport.Handler.
func (c *serverConn) Received(l *transport.Link, kind transport.Kind, data []byte) {
	var err error
	if kind == transport.Text {
		err = c.receiveText(data)
	} else {
		err = c.receiveBinary(data)
	}
	if err != nil {
		c.log.Warn("closing link after protocol violation", "error", err)
		l.Close()
	}
}

func (c *serverConn) receiveText(data []byte) error {
	msgs, err := wire.DecodeText(data)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if c.state.get() == Handshaking {
			if m.Method != wire.MethodHello {
				return errs.ProtocolViolation("expected hello, got %s", m.Method)
			}
			if err := c.handleHello(m); err != nil {
				return err
			}
			continue
		}
		if err := c.handle(m); err != nil {
			if errs.IsProtocolViolation(err) {
				return err
			}
			c.log.Warn("message rejected", "method", m.Method, "error", err)
		}
	}
	return nil
}

func (c *serverConn) handle(m wire.Message) error {
	switch m.Method {
	case wire.MethodPublish:
		var p wire.Publish
		if err := m.Decode(&p); err != nil {
			return err
		}
		return c.handlePublish(p)
	case wire.MethodUnpublish:
		var u wire.Unpublish
		if err := m.Decode(&u); err != nil {
			return err
		}
		return c.handleUnpublish(u.PubUID)
	case wire.MethodSubscribe:
		var sub wire.Subscribe
		if err := m.Decode(&sub); err != nil {
			return err
		}
		c.handleSubscribe(sub)
		return nil
	case wire.MethodUnsubscribe:
		var u wire.Unsubscribe
		if err := m.Decode(&u); err != nil {
			return err
		}
		c.handleUnsubscribe(u.SubUID)
		return nil
	case wire.MethodSetProperties:
		var sp wire.SetProperties
		if err := m.Decode(&sp); err != nil {
			return err
		}
		return c.handleSetProperties(sp)
	case wire.MethodClose:
		c.state.advance(Synced, Draining)
		c.link.Close()
		return nil
	}
	return errs.ProtocolViolation("%s is not a client message", m.Method)
}

func (c *serverConn) handleHello(m wire.Message) error {
	var h wire.Hello
	if err := m.Decode(&h); err != nil {
		return err
	}
	if err := wire.CheckVersion(h.Version); err != nil {
		return err
	}
	if err := c.state.transition(Synced); err != nil {
		return err
	}
	c.mu.Lock()
	if h.Identity != "" {
		c.info.RemoteID = h.Identity
	}
	c.info.ProtocolVersion = h.Version
	c.info.Since = c.srv.tb.Now()
	info := c.info
	c.mu.Unlock()

	c.out.Control(wire.MustMessage(wire.MethodHello, wire.Hello{
		Version:  wire.ProtocolVersion,
		ServerID: c.srv.id,
		ConnID:   c.id,
	}))
	if err := c.out.Flush(c.link); err != nil {
		return err
	}
	c.log.Info("client connected", "identity", info.RemoteID, "version", info.ProtocolVersion)
	c.srv.tb.EmitConn(notify.KindConnected, info)
	return nil
}

func (c *serverConn) handlePublish(p wire.Publish) error {
	typ := value.ParseType(p.Type)
	if typ == value.Unassigned {
		return errs.New(errs.CodeInvalidArgument, "publish %q without a type", p.Name)
	}
	c.mu.Lock()
	_, dup := c.pubs[p.PubUID]
	c.mu.Unlock()
	if dup {
		return errs.New(errs.CodeInvalidArgument, "pubuid %d already in use", p.PubUID)
	}

	t, err := c.srv.tb.Acquire(p.Name)
	if err != nil {
		return err
	}
	first, err := t.AddPublisher(typ, p.Type, p.Properties)
	if err != nil {
		// tell the client what the topic really is
		c.announce(t, &p.PubUID)
		c.srv.tb.Release(t)
		return err
	}
	c.mu.Lock()
	c.pubs[p.PubUID] = t
	c.mu.Unlock()

	if first {
		c.srv.tb.Emit(notify.KindPublish, t.Info())
		c.srv.topicPublished(t, c, p.PubUID)
	} else {
		c.announce(t, &p.PubUID)
	}
	c.log.Debug("client publish", "topic", t.Name(), "pubuid", p.PubUID, "first", first)
	return nil
}

func (c *serverConn) handleUnpublish(pubuid int64) error {
	c.mu.Lock()
	t, ok := c.pubs[pubuid]
	delete(c.pubs, pubuid)
	c.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeUnknownHandle, "unknown pubuid %d", pubuid)
	}
	c.srv.releasePublisher(t)
	return nil
}

func (s *Server) releasePublisher(t *topic.Topic) {
	if t.RemovePublisher() {
		s.tb.Emit(notify.KindUnpublish, t.Info())
		s.topicUnpublished(t)
	}
	s.tb.Release(t)
}

func (c *serverConn) handleSubscribe(sub wire.Subscribe) {
	patterns := make([]string, len(sub.Topics))
	for i, p := range sub.Topics {
		patterns[i] = topic.NormalizeName(p)
	}
	rs := &remoteSub{patterns: patterns, opts: sub.Options}

	c.mu.Lock()
	c.subs[sub.SubUID] = rs
	for id := range c.announced {
		c.rerouteLocked(id)
	}
	c.mu.Unlock()

	for _, t := range c.srv.tb.Directory().All() {
		if rs.matches(t.Name()) && visible(t) {
			c.announce(t, nil)
		}
	}
	// new subscribers get the current state without waiting for the timer
	if err := c.out.Flush(c.link); err != nil {
		c.log.Debug("subscribe flush failed", "error", err)
	}
}

func (c *serverConn) handleUnsubscribe(subuid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subuid)
	for id := range c.announced {
		c.rerouteLocked(id)
	}
}

func (c *serverConn) handleSetProperties(sp wire.SetProperties) error {
	t, ok := c.srv.tb.Directory().Lookup(sp.Name)
	if !ok {
		return errs.New(errs.CodeUnknownHandle, "setproperties on unknown topic %q", sp.Name)
	}
	changed := t.SetProperties(sp.Update)
	if len(changed) == 0 {
		return nil
	}
	c.srv.tb.Emit(notify.KindProperties, t.Info())
	c.srv.propertiesChanged(t, changed, c)
	c.srv.tb.Collect(t)
	return nil
}

func (c *serverConn) receiveBinary(data []byte) error {
	if c.state.get() == Handshaking {
		return errs.ProtocolViolation("binary frame before hello")
	}
	frames, err := wire.DecodeFrames(data)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if f.IsTimeSync() {
			c.replyTimeSync(f)
			continue
		}
		c.mu.Lock()
		t, ok := c.pubs[f.ID]
		c.mu.Unlock()
		if !ok {
			c.log.Debug("value for unknown pubuid", "pubuid", f.ID)
			continue
		}
		ts := f.Timestamp
		if ts == 0 {
			ts = c.srv.tb.Now()
		}
		v := f.Value.WithTime(ts).WithServerTime(ts)
		if _, err := t.Write(v, c.out); err != nil {
			c.log.Warn("client value rejected", "topic", t.Name(), "error", err)
		}
	}
	return nil
}

func (c *serverConn) replyTimeSync(f wire.Frame) {
	data, err := wire.AppendFrames(nil, wire.TimeSync(c.srv.tb.Now(), f.ClientTime()))
	if err != nil {
		return
	}
	if err := c.link.Send(transport.Binary, data); err != nil {
		c.log.Debug("time sync reply dropped", "error", err)
	}
}

// Closed implements transport.Handler. Everything the client published
// goes away with it.
func (c *serverConn) Closed(_ *transport.Link, err error) {
	wasSynced := c.state.get() == Synced || c.state.get() == Draining
	c.state.transition(Closed)

	c.mu.Lock()
	pubs := c.pubs
	c.pubs = make(map[int64]*topic.Topic)
	for id, a := range c.announced {
		if a.attached {
			a.topic.Detach(c.out)
		}
		delete(c.announced, id)
	}
	clear(c.subs)
	info := c.info
	c.mu.Unlock()

	for _, t := range pubs {
		c.srv.releasePublisher(t)
	}
	// dropped last, so an empty Connections() means teardown is complete
	c.srv.drop(c)
	if err != nil {
		c.log.Info("client disconnected", "identity", info.RemoteID, "error", err)
	} else {
		c.log.Info("client disconnected", "identity", info.RemoteID)
	}
	if wasSynced {
		c.srv.tb.EmitConn(notify.KindDisconnected, info)
	}
}
