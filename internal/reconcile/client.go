package reconcile

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/nettable/internal/clock"
	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/local"
	"github.com/roach88/nettable/internal/notify"
	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/transport"
	"github.com/roach88/nettable/internal/value"
	"github.com/roach88/nettable/internal/wire"
)

// Client mirrors a server's table. Local publishes, subscriptions, and
// values are sent to the server; the server's announcements and values are
// applied locally. The link is re-established with backoff whenever it
// drops, and everything local is re-sent on each new session.
type Client struct {
	tb        *local.Table
	identity  string
	settings  *transport.Settings
	heartbeat time.Duration
	dialer    *transport.Dialer
	offset    clock.Offset
	log       *slog.Logger

	mu      sync.Mutex
	conn    *clientConn
	pubUIDs map[*local.Publisher]int64
	subUIDs map[*local.Subscriber]int64
	nextUID int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientTransport sets the link and reconnect settings.
func WithClientTransport(settings *transport.Settings) ClientOption {
	return func(c *Client) { c.settings = settings }
}

// WithHeartbeat sets how often the client samples the server clock.
func WithHeartbeat(d time.Duration) ClientOption {
	return func(c *Client) { c.heartbeat = d }
}

// NewClient creates a stopped client.
func NewClient(tb *local.Table, identity string, opts ...ClientOption) *Client {
	c := &Client{
		tb:        tb,
		identity:  identity,
		settings:  transport.DefaultSettings(),
		heartbeat: time.Second,
		pubUIDs:   make(map[*local.Publisher]int64),
		subUIDs:   make(map[*local.Subscriber]int64),
		log:       slog.With("component", "client", "identity", identity),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dialer = transport.NewDialer(c.settings, identity, c.connect)
	return c
}

// Start begins connecting to servers (host:port), retrying until Stop.
func (c *Client) Start(servers []string) {
	c.tb.SetOffset(&c.offset)
	c.tb.SetNetwork(c)
	c.dialer.SetServers(servers)
	c.dialer.Start()
}

// SetServers replaces the server list; it is used from the next attempt.
func (c *Client) SetServers(servers []string) {
	c.dialer.SetServers(servers)
}

// Stop drains the session and stops reconnecting. Changes queued before
// Stop still reach the server. Remote topics are withdrawn before Stop
// returns.
func (c *Client) Stop() {
	if cc := c.current(); cc != nil {
		if err := drain(&cc.state, cc.out, cc.link, "client stopping"); err != nil {
			cc.log.Debug("final flush incomplete", "error", err)
		}
	}
	c.dialer.Stop()
	c.tb.SetNetwork(nil)
	c.tb.SetOffset(nil)
}

// Connected reports whether a session is synced.
func (c *Client) Connected() bool {
	cc := c.current()
	return cc != nil && cc.state.get() == Synced
}

// Offset returns the server time offset and whether it has been measured.
func (c *Client) Offset() (int64, bool) { return c.offset.Get() }

// Flush hands queued changes to the link.
func (c *Client) Flush() error {
	cc := c.current()
	if cc == nil || cc.state.get() != Synced {
		return nil
	}
	return cc.out.Flush(cc.link)
}

func (c *Client) current() *clientConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) synced() *clientConn {
	cc := c.current()
	if cc == nil || cc.state.get() != Synced {
		return nil
	}
	return cc
}

func (c *Client) pubUID(p *local.Publisher) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, ok := c.pubUIDs[p]
	if !ok {
		c.nextUID++
		uid = c.nextUID
		c.pubUIDs[p] = uid
	}
	return uid
}

func (c *Client) subUID(s *local.Subscriber) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, ok := c.subUIDs[s]
	if !ok {
		c.nextUID++
		uid = c.nextUID
		c.subUIDs[s] = uid
	}
	return uid
}

// Connections implements local.Network.
func (c *Client) Connections() []notify.ConnInfo {
	if cc := c.synced(); cc != nil {
		return []notify.ConnInfo{cc.connInfo()}
	}
	return nil
}

// Publish implements local.Network.
func (c *Client) Publish(p *local.Publisher, _ bool) {
	uid := c.pubUID(p)
	if cc := c.synced(); cc != nil {
		cc.sendPublish(p, uid, false)
	}
}

// Unpublish implements local.Network.
func (c *Client) Unpublish(p *local.Publisher, _ bool) {
	c.mu.Lock()
	uid, ok := c.pubUIDs[p]
	delete(c.pubUIDs, p)
	c.mu.Unlock()
	if !ok {
		return
	}
	if cc := c.synced(); cc != nil {
		cc.sendUnpublish(p, uid)
	}
}

// Subscribe implements local.Network.
func (c *Client) Subscribe(s *local.Subscriber) {
	uid := c.subUID(s)
	if cc := c.synced(); cc != nil {
		cc.sendSubscribe(s, uid)
	}
}

// Unsubscribe implements local.Network.
func (c *Client) Unsubscribe(s *local.Subscriber) {
	c.mu.Lock()
	uid, ok := c.subUIDs[s]
	delete(c.subUIDs, s)
	c.mu.Unlock()
	if !ok {
		return
	}
	if cc := c.synced(); cc != nil {
		cc.sendUnsubscribe(uid)
	}
}

// SetProperties implements local.Network.
func (c *Client) SetProperties(t *topic.Topic, changed topic.Properties) {
	if cc := c.synced(); cc != nil {
		cc.out.Control(wire.MustMessage(wire.MethodSetProperties,
			wire.SetProperties{Name: t.Name(), Update: changed}))
	}
}

func (c *Client) connect(l *transport.Link) transport.Handler {
	cc := &clientConn{
		c:        c,
		link:     l,
		out:      NewOutbox(false),
		stop:     make(chan struct{}),
		byID:     make(map[int64]*topic.Topic),
		lastSeq:  make(map[int64]uint64),
		sentPubs: make(map[int64]bool),
		sentSubs: make(map[int64]bool),
		routed:   make(map[int64]*topic.Topic),
		log:      c.log.With("peer", l.RemoteAddr()),
	}
	cc.info = notify.ConnInfo{RemoteID: l.Identity(), Addr: l.RemoteAddr()}

	c.mu.Lock()
	c.conn = cc
	c.mu.Unlock()

	cc.out.Control(wire.MustMessage(wire.MethodHello, wire.Hello{
		Version:  wire.ProtocolVersion,
		Identity: c.identity,
	}))
	if err := cc.out.Flush(l); err != nil {
		cc.log.Debug("hello not sent", "error", err)
	}
	return cc
}

// clientConn is one session with a server.
type clientConn struct {
	c     *Client
	link  *transport.Link
	state stateMachine
	out   *Outbox
	stop  chan struct{}
	log   *slog.Logger

	mu       sync.Mutex
	info     notify.ConnInfo
	byID     map[int64]*topic.Topic
	lastSeq  map[int64]uint64
	sentPubs map[int64]bool
	sentSubs map[int64]bool
	routed   map[int64]*topic.Topic // local topic id -> topic the outbox is attached to
}

func (cc *clientConn) connInfo() notify.ConnInfo {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.info
}

func (cc *clientConn) sendPublish(p *local.Publisher, uid int64, replay bool) {
	t := p.Topic()
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.sentPubs[uid] {
		return
	}
	cc.sentPubs[uid] = true
	cc.out.Control(wire.MustMessage(wire.MethodPublish, wire.Publish{
		Name:       t.Name(),
		PubUID:     uid,
		Type:       p.TypeString(),
		Properties: p.Properties(),
	}))
	if _, ok := cc.routed[t.ID()]; ok {
		return
	}
	opts := p.Options()
	cc.out.setRoute(t.ID(), route{wireID: uid, sendAll: opts.SendAll, keepDups: opts.KeepDuplicates})
	cc.routed[t.ID()] = t
	t.Attach(cc.out, replay)
}

func (cc *clientConn) sendUnpublish(p *local.Publisher, uid int64) {
	t := p.Topic()
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if !cc.sentPubs[uid] {
		return
	}
	delete(cc.sentPubs, uid)

	r, ok := cc.out.routeFor(t.ID())
	if ok && r.wireID == uid {
		// hand the topic's values to another publisher of it, if any
		moved := false
		for _, other := range cc.c.tb.Publishers() {
			if other.Topic() != t {
				continue
			}
			ouid := cc.c.pubUID(other)
			if !cc.sentPubs[ouid] {
				continue
			}
			r.wireID = ouid
			cc.out.setRoute(t.ID(), r)
			moved = true
			break
		}
		if !moved {
			cc.out.clearRoute(t.ID())
			delete(cc.routed, t.ID())
			t.Detach(cc.out)
		}
	}
	cc.out.Control(wire.MustMessage(wire.MethodUnpublish, wire.Unpublish{PubUID: uid}))
}

func (cc *clientConn) sendSubscribe(s *local.Subscriber, uid int64) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.sentSubs[uid] {
		return
	}
	cc.sentSubs[uid] = true
	opts := s.Options()
	cc.out.Control(wire.MustMessage(wire.MethodSubscribe, wire.Subscribe{
		Topics: s.Names(),
		SubUID: uid,
		Options: wire.SubscribeOptions{
			All:            opts.SendAll,
			KeepDuplicates: opts.KeepDuplicates,
			TopicsOnly:     opts.TopicsOnly,
			Prefix:         opts.Prefix,
		},
	}))
}

func (cc *clientConn) sendUnsubscribe(uid int64) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if !cc.sentSubs[uid] {
		return
	}
	delete(cc.sentSubs, uid)
	cc.out.Control(wire.MustMessage(wire.MethodUnsubscribe, wire.Unsubscribe{SubUID: uid}))
}

// Received implements transport.Handler.
func (cc *clientConn) Received(l *transport.Link, kind transport.Kind, data []byte) {
	var err error
	if kind == transport.Text {
		err = cc.receiveText(data)
	} else {
		err = cc.receiveBinary(data)
	}
	if err != nil {
		cc.log.Warn("closing link after protocol violation", "error", err)
		l.Close()
	}
}

func (cc *clientConn) receiveText(data []byte) error {
	msgs, err := wire.DecodeText(data)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if cc.state.get() == Handshaking {
			if m.Method != wire.MethodHello {
				return errs.ProtocolViolation("expected hello, got %s", m.Method)
			}
			if err := cc.handleHello(m); err != nil {
				return err
			}
			continue
		}
		if err := cc.handle(m); err != nil {
			if errs.IsProtocolViolation(err) {
				return err
			}
			cc.log.Warn("message rejected", "method", m.Method, "error", err)
		}
	}
	return nil
}

func (cc *clientConn) handle(m wire.Message) error {
	switch m.Method {
	case wire.MethodAnnounce:
		var a wire.Announce
		if err := m.Decode(&a); err != nil {
			return err
		}
		return cc.handleAnnounce(a)
	case wire.MethodUnannounce:
		var u wire.Unannounce
		if err := m.Decode(&u); err != nil {
			return err
		}
		cc.handleUnannounce(u.ID)
		return nil
	case wire.MethodProperties:
		var p wire.Properties
		if err := m.Decode(&p); err != nil {
			return err
		}
		cc.handleProperties(p)
		return nil
	case wire.MethodClose:
		cc.state.advance(Synced, Draining)
		cc.link.Close()
		return nil
	}
	return errs.ProtocolViolation("%s is not a server message", m.Method)
}

func (cc *clientConn) handleHello(m wire.Message) error {
	var h wire.Hello
	if err := m.Decode(&h); err != nil {
		return err
	}
	if err := wire.CheckVersion(h.Version); err != nil {
		return err
	}
	if err := cc.state.transition(Synced); err != nil {
		return err
	}
	c := cc.c
	cc.mu.Lock()
	cc.info.ID = h.ConnID
	cc.info.ProtocolVersion = h.Version
	cc.info.Since = c.tb.Now()
	info := cc.info
	cc.mu.Unlock()

	// everything this process has is re-sent on every session
	for _, s := range c.tb.Subscribers() {
		cc.sendSubscribe(s, c.subUID(s))
	}
	for _, p := range c.tb.Publishers() {
		cc.sendPublish(p, c.pubUID(p), true)
	}
	cc.sendTimeSync()
	if err := cc.out.Flush(cc.link); err != nil {
		cc.log.Debug("resync flush failed", "error", err)
	}
	go cc.heartbeatLoop()

	cc.log.Info("connected to server", "server_id", h.ServerID, "conn", h.ConnID)
	c.tb.EmitConn(notify.KindConnected, info)
	return nil
}

func (cc *clientConn) handleAnnounce(a wire.Announce) error {
	c := cc.c
	cc.mu.Lock()
	_, known := cc.byID[a.ID]
	cc.mu.Unlock()

	t, err := c.tb.Acquire(a.Name)
	if err != nil {
		return err
	}
	wasPublished := t.Published()
	announceErr := t.Announce(value.ParseType(a.Type), a.Type, a.Properties)

	cc.mu.Lock()
	if known {
		cc.mu.Unlock()
		c.tb.Release(t)
	} else {
		cc.byID[a.ID] = t
		cc.mu.Unlock()
	}
	if !wasPublished {
		c.tb.Emit(notify.KindPublish, t.Info())
	}
	if errs.IsTypeConflict(announceErr) {
		c.tb.Emit(notify.KindTypeConflict, t.Info())
	}
	return announceErr
}

func (cc *clientConn) handleUnannounce(id int64) {
	cc.mu.Lock()
	t, ok := cc.byID[id]
	delete(cc.byID, id)
	delete(cc.lastSeq, id)
	cc.mu.Unlock()
	if !ok {
		cc.log.Debug("unannounce for unknown topic", "id", id)
		return
	}
	cc.withdraw(t)
}

func (cc *clientConn) withdraw(t *topic.Topic) {
	if t.Unannounce() {
		cc.c.tb.Emit(notify.KindUnpublish, t.Info())
	}
	cc.c.tb.Release(t)
}

func (cc *clientConn) handleProperties(p wire.Properties) {
	t, ok := cc.c.tb.Directory().Lookup(p.Name)
	if !ok {
		return
	}
	if changed := t.SetProperties(p.Update); len(changed) > 0 {
		cc.c.tb.Emit(notify.KindProperties, t.Info())
	}
}

func (cc *clientConn) receiveBinary(data []byte) error {
	if cc.state.get() == Handshaking {
		return errs.ProtocolViolation("binary frame before hello")
	}
	frames, err := wire.DecodeFrames(data)
	if err != nil {
		return err
	}
	c := cc.c
	for _, f := range frames {
		if f.IsTimeSync() {
			c.offset.Update(f.ClientTime(), f.Timestamp, c.tb.Now())
			off, _ := c.offset.Get()
			c.tb.EmitTimeSync(off)
			continue
		}
		cc.mu.Lock()
		t, ok := cc.byID[f.ID]
		stale := ok && f.Seq != 0 && f.Seq <= cc.lastSeq[f.ID]
		if ok && !stale {
			cc.lastSeq[f.ID] = f.Seq
		}
		cc.mu.Unlock()
		if !ok {
			cc.log.Debug("value for unannounced topic", "id", f.ID)
			continue
		}
		if stale {
			continue
		}
		v := f.Value.WithTime(c.offset.ToLocal(f.Timestamp)).WithServerTime(f.Timestamp)
		if _, err := t.Write(v, cc.out); err != nil {
			cc.log.Warn("server value rejected", "topic", t.Name(), "error", err)
		}
	}
	return nil
}

func (cc *clientConn) sendTimeSync() {
	data, err := wire.AppendFrames(nil, wire.TimeSync(0, cc.c.tb.Now()))
	if err != nil {
		return
	}
	if err := cc.link.Send(transport.Binary, data); err != nil && !errs.IsConnectionLost(err) {
		cc.log.Debug("time sync not sent", "error", err)
	}
}

func (cc *clientConn) heartbeatLoop() {
	if cc.c.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(cc.c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-cc.stop:
			return
		case <-ticker.C:
			cc.sendTimeSync()
		}
	}
}

// Closed implements transport.Handler. Remote topics disappear with the
// session; local publishers and subscribers stay and are re-sent on the
// next one.
func (cc *clientConn) Closed(_ *transport.Link, err error) {
	wasSynced := cc.state.get() != Handshaking
	cc.state.transition(Closed)
	close(cc.stop)

	c := cc.c
	c.mu.Lock()
	if c.conn == cc {
		c.conn = nil
	}
	c.mu.Unlock()

	cc.mu.Lock()
	remote := make([]*topic.Topic, 0, len(cc.byID))
	for _, t := range cc.byID {
		remote = append(remote, t)
	}
	clear(cc.byID)
	for id, t := range cc.routed {
		t.Detach(cc.out)
		delete(cc.routed, id)
	}
	info := cc.info
	cc.mu.Unlock()

	for _, t := range remote {
		cc.withdraw(t)
	}
	c.offset.Reset()

	if err != nil {
		cc.log.Info("disconnected", "error", err)
	} else {
		cc.log.Info("disconnected")
	}
	if wasSynced {
		c.tb.EmitConn(notify.KindDisconnected, info)
	}
}
