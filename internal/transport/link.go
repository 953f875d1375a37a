package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/nettable/internal/errs"
)

// Kind distinguishes control (text) frames from value (binary) frames.
type Kind int

const (
	Text   Kind = websocket.TextMessage
	Binary Kind = websocket.BinaryMessage
)

func (k Kind) String() string {
	if k == Text {
		return "text"
	}
	return "binary"
}

// Handler receives link events. Received is called from the link's reader
// goroutine, one frame at a time, in arrival order. Closed is called once,
// after both link goroutines have exited; err is nil for an orderly close.
type Handler interface {
	Received(l *Link, kind Kind, data []byte)
	Closed(l *Link, err error)
}

type outFrame struct {
	kind Kind
	data []byte
}

// Link is one live websocket connection.
type Link struct {
	ws       *websocket.Conn
	settings *Settings
	identity string
	addr     string
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	queue    []outFrame
	queued   int
	closing  bool
	closeErr error
	wake     chan struct{}

	termOnce sync.Once
}

func newLink(ws *websocket.Conn, settings *Settings, identity string) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	addr := ws.RemoteAddr().String()
	return &Link{
		ws:       ws,
		settings: settings,
		identity: identity,
		addr:     addr,
		log:      slog.With("component", "transport", "peer", addr, "identity", identity),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Identity is the identity the client presented in the upgrade path.
func (l *Link) Identity() string { return l.identity }

// RemoteAddr is the peer's network address.
func (l *Link) RemoteAddr() string { return l.addr }

// Done is closed once the link has shut down and Handler.Closed returned.
func (l *Link) Done() <-chan struct{} { return l.done }

// start launches the reader and writer and reports to h.
func (l *Link) start(h Handler) {
	l.ws.SetReadLimit(l.settings.MaxMessageBytes)
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(l.settings.ReadTimeout))
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.writeLoop()
	}()
	go func() {
		defer wg.Done()
		l.readLoop(h)
	}()
	go func() {
		wg.Wait()
		l.ws.Close()
		l.mu.Lock()
		err := l.closeErr
		l.mu.Unlock()
		h.Closed(l, err)
		close(l.done)
	}()
}

// Send queues a frame for the writer. It never blocks on the network.
// Exceeding the outbound byte cap closes the link with RESOURCE_EXHAUSTED.
func (l *Link) Send(kind Kind, data []byte) error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return errs.New(errs.CodeConnectionLost, "link to %s is closed", l.addr)
	}
	if limit := l.settings.MaxOutboundBytes; limit > 0 && l.queued+len(data) > limit {
		l.mu.Unlock()
		err := errs.New(errs.CodeResourceExhausted, "outbound queue to %s exceeded %d bytes", l.addr, limit)
		l.terminate(err)
		return err
	}
	l.queue = append(l.queue, outFrame{kind: kind, data: data})
	l.queued += len(data)
	l.mu.Unlock()
	l.signal()
	return nil
}

// Queued returns the number of unsent bytes.
func (l *Link) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queued
}

func (l *Link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close shuts the link down in order: frames already queued are written,
// then a close frame. Safe to call more than once.
func (l *Link) Close() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.signal()
}

// terminate tears the link down immediately, recording err as the reason.
func (l *Link) terminate(err error) {
	l.termOnce.Do(func() {
		l.mu.Lock()
		l.closing = true
		if l.closeErr == nil {
			l.closeErr = err
		}
		l.mu.Unlock()
		l.cancel()
		// unblocks a reader parked in ReadMessage
		l.ws.SetReadDeadline(time.Now())
	})
}

// abandon reports a link that was never started as closed with err.
func (l *Link) abandon(h Handler, err error) {
	l.terminate(err)
	l.ws.Close()
	h.Closed(l, err)
	close(l.done)
}

func (l *Link) take() ([]outFrame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	frames := l.queue
	l.queue = nil
	l.queued = 0
	return frames, l.closing
}

func (l *Link) writeLoop() {
	ping := time.NewTicker(l.settings.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(l.settings.WriteTimeout)
			if err := l.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.terminate(errs.Wrap(errs.CodeConnectionLost, err, "ping %s", l.addr))
				return
			}
		case <-l.wake:
			frames, closing := l.take()
			for _, f := range frames {
				l.ws.SetWriteDeadline(time.Now().Add(l.settings.WriteTimeout))
				if err := l.ws.WriteMessage(int(f.kind), f.data); err != nil {
					// a websocket write deadline cannot be recovered
					l.terminate(errs.Wrap(errs.CodeConnectionLost, err, "write %s", l.addr))
					return
				}
			}
			if closing {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(l.settings.WriteTimeout))
				l.terminate(nil)
				return
			}
		}
	}
}

func (l *Link) readLoop(h Handler) {
	for {
		l.ws.SetReadDeadline(time.Now().Add(l.settings.ReadTimeout))
		kind, data, err := l.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case l.ctx.Err() != nil:
				// local shutdown; reason already recorded
			case errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway):
				l.log.Debug("peer closed link", "code", ce.Code)
				l.terminate(nil)
			default:
				l.terminate(errs.Wrap(errs.CodeConnectionLost, err, "read %s", l.addr))
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		h.Received(l, Kind(kind), data)
	}
}
