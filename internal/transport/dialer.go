package transport

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/nettable/internal/wire"
)

// ConnectFunc is called for every link the dialer establishes and returns
// the handler for its frames.
type ConnectFunc func(l *Link) Handler

// Dialer keeps one link to a server alive. Servers are tried round robin;
// failed attempts back off exponentially until Stop.
type Dialer struct {
	settings *Settings
	identity string
	connect  ConnectFunc
	log      *slog.Logger

	mu      sync.Mutex
	servers []string
	next    int
	link    *Link
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDialer creates a stopped dialer for the given identity.
func NewDialer(settings *Settings, identity string, connect ConnectFunc) *Dialer {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Dialer{
		settings: settings,
		identity: identity,
		connect:  connect,
		log:      slog.With("component", "transport", "identity", identity),
	}
}

// SetServers replaces the host:port list. Takes effect on the next attempt.
func (d *Dialer) SetServers(servers []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers = append([]string(nil), servers...)
	d.next = 0
}

// Link returns the live link, or nil while disconnected.
func (d *Dialer) Link() *Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link
}

// Start launches the reconnect loop. Starting a running dialer is a no-op.
func (d *Dialer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
}

// Stop closes the live link and waits for the loop to exit.
func (d *Dialer) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Dialer) nextServer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.servers) == 0 {
		return ""
	}
	s := d.servers[d.next%len(d.servers)]
	d.next++
	return s
}

func (d *Dialer) dial(ctx context.Context, server string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: server, Path: PathPrefix + d.identity}
	dialer := websocket.Dialer{
		HandshakeTimeout: d.settings.HandshakeTimeout,
		Subprotocols:     []string{wire.Subprotocol},
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	return ws, err
}

func (d *Dialer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := NewBackoff(d.settings.ReconnectMin, d.settings.ReconnectMax, d.settings.ReconnectMultiplier)

	for {
		server := d.nextServer()
		var (
			ws  *websocket.Conn
			err error
		)
		if server != "" {
			ws, err = d.dial(ctx, server)
		}
		if server == "" || err != nil {
			if err != nil {
				d.log.Debug("connect failed", "server", server, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff.Next()):
				continue
			}
		}

		backoff.Reset()
		l := newLink(ws, d.settings, d.identity)
		d.mu.Lock()
		d.link = l
		d.mu.Unlock()
		d.log.Info("connected", "server", server)

		l.start(d.connect(l))
		select {
		case <-l.Done():
		case <-ctx.Done():
			l.Close()
			<-l.Done()
		}

		d.mu.Lock()
		d.link = nil
		d.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Next()):
		}
	}
}

func deadline(d time.Duration) time.Time { return time.Now().Add(d) }
