package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/wire"
)

// PathPrefix is the URL path under which clients connect; the rest of the
// path is the client identity.
const PathPrefix = "/nt/"

// AcceptFunc is called for every upgraded link and returns the handler
// that will receive its frames. Returning an error rejects the link.
type AcceptFunc func(l *Link) (Handler, error)

// Server accepts websocket links.
type Server struct {
	settings *Settings
	accept   AcceptFunc
	upgrader websocket.Upgrader
	ln       net.Listener
	http     *http.Server
	log      *slog.Logger

	mu     sync.Mutex
	links  map[*Link]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen binds addr (port 0 picks a free port) and starts serving.
func Listen(addr string, settings *Settings, accept AcceptFunc) (*Server, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		settings: settings,
		accept:   accept,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			Subprotocols:     []string{wire.Subprotocol},
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		ln:    ln,
		links: make(map[*Link]struct{}),
		log:   slog.With("component", "transport", "listen", ln.Addr().String()),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PathPrefix, s.serveLink)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: settings.HandshakeTimeout}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", "error", err)
		}
	}()
	s.log.Info("listening")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) serveLink(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimPrefix(r.URL.Path, PathPrefix)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "peer", r.RemoteAddr, "error", err)
		return
	}
	if ws.Subprotocol() != wire.Subprotocol {
		msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol")
		ws.WriteControl(websocket.CloseMessage, msg, deadline(s.settings.WriteTimeout))
		ws.Close()
		s.log.Warn("rejected link without subprotocol", "peer", r.RemoteAddr)
		return
	}

	l := newLink(ws, s.settings, identity)
	h, err := s.accept(l)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		ws.WriteControl(websocket.CloseMessage, msg, deadline(s.settings.WriteTimeout))
		ws.Close()
		s.log.Warn("rejected link", "peer", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// the handler already exists; it must hear about the close
		l.abandon(h, errs.New(errs.CodeConnectionLost, "server closed while accepting %s", l.addr))
		return
	}
	s.links[l] = struct{}{}
	s.mu.Unlock()

	l.start(&trackingHandler{Handler: h, server: s})
}

type trackingHandler struct {
	Handler
	server *Server
}

func (t *trackingHandler) Closed(l *Link, err error) {
	t.server.mu.Lock()
	delete(t.server.links, l)
	t.server.mu.Unlock()
	t.Handler.Closed(l, err)
}

// Links returns the live links.
func (s *Server) Links() []*Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Link, 0, len(s.links))
	for l := range s.links {
		out = append(out, l)
	}
	return out
}

// Close stops accepting, closes every link in order, and waits for their
// handlers to observe the close or for ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	links := make([]*Link, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	err := s.http.Close()
	for _, l := range links {
		l.Close()
	}
	for _, l := range links {
		select {
		case <-l.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.wg.Wait()
	s.log.Info("stopped")
	return err
}
