package nt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/nettable/internal/clock"
	"github.com/roach88/nettable/internal/config"
	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/local"
	"github.com/roach88/nettable/internal/reconcile"
	"github.com/roach88/nettable/internal/topic"
)

// Option configures a new Instance.
type Option func(*Instance)

// WithConfig replaces the default settings.
func WithConfig(cfg config.Config) Option {
	return func(i *Instance) { i.cfg = cfg }
}

// WithClock sets the time source used for default timestamps.
func WithClock(src clock.Source) Option {
	return func(i *Instance) { i.clk = src }
}

// ServerConfig describes the server role.
type ServerConfig struct {
	// Listen is the bind address; empty binds every interface.
	Listen string
	// Port 0 picks a free port; read it back with ServerAddr.
	Port int
	// PersistFile, if set, is the SQLite file persistent topics are loaded
	// from on start and saved to periodically and on stop.
	PersistFile string
	// PersistInterval defaults to the configured interval.
	PersistInterval time.Duration
}

// Instance is one table together with its network role.
type Instance struct {
	cfg config.Config
	clk clock.Source
	tb  *local.Table
	log *slog.Logger

	mu         sync.Mutex
	role       Role
	closed     bool
	server     *reconcile.Server
	client     *reconcile.Client
	persist    *persister
	tasks      *tasks
	persistNow func()
	servers    []string
}

// New creates an instance in the local role.
func New(opts ...Option) (*Instance, error) {
	i := &Instance{cfg: config.Default()}
	for _, opt := range opts {
		opt(i)
	}
	if err := i.cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidArgument, err, "invalid configuration")
	}
	dir := topic.NewDirectory(topic.WithMaxTopics(i.cfg.MaxTopics))
	i.tb = local.NewTable(dir, i.clk, i.cfg.Table())
	i.servers = append([]string(nil), i.cfg.Client.Servers...)
	i.log = slog.With("component", "instance")
	return i, nil
}

var (
	defaultOnce     sync.Once
	defaultInstance *Instance
)

// Default returns the process-wide instance, creating it with default
// settings on first use. It lives until the process exits unless closed
// explicitly; once closed it stays closed.
func Default() *Instance {
	defaultOnce.Do(func() {
		i, err := New()
		if err != nil {
			panic(fmt.Sprintf("nt: default instance: %v", err))
		}
		defaultInstance = i
	})
	return defaultInstance
}

// Close stops the active role, cancels scheduled tasks, wakes blocked
// waiters, and invalidates every handle. Safe to call more than once and
// from several goroutines.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	err := i.stopRoleLocked()
	i.tb.Close()
	return err
}

// Role returns the current network role.
func (i *Instance) Role() Role {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.role
}

func (i *Instance) checkStartable() error {
	if i.closed {
		return errs.ErrClosed
	}
	if i.role != RoleLocal {
		return errs.New(errs.CodeInvalidArgument, "instance is already running as %s", i.role)
	}
	return nil
}

// StartServer makes this instance the authority for its table.
func (i *Instance) StartServer(sc ServerConfig) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkStartable(); err != nil {
		return err
	}

	var p *persister
	if sc.PersistFile != "" {
		var err error
		if p, err = openPersister(sc.PersistFile, i.tb); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		if err := p.load(context.Background()); err != nil {
			p.close()
			return fmt.Errorf("start server: load %s: %w", sc.PersistFile, err)
		}
	}

	srv := reconcile.NewServer(i.tb, reconcile.WithServerTransport(i.cfg.Transport()))
	addr := net.JoinHostPort(sc.Listen, strconv.Itoa(sc.Port))
	if err := srv.Listen(addr); err != nil {
		if p != nil {
			p.close()
		}
		return fmt.Errorf("start server: %w", err)
	}

	ts := newTasks(RoleServer)
	ts.every("flush", i.cfg.FlushInterval.D(), func(context.Context) error {
		return srv.Flush()
	})
	if p != nil {
		interval := sc.PersistInterval
		if interval <= 0 {
			interval = i.cfg.Server.PersistInterval.D()
		}
		i.persistNow = ts.every("persist", interval, p.save)
	}

	i.server, i.persist, i.tasks = srv, p, ts
	i.role = RoleServer
	i.log.Info("server started", "addr", srv.Addr(), "server_id", srv.ID(), "persist", sc.PersistFile)
	return nil
}

// ServerAddr returns the address the server listens on, or nil.
func (i *Instance) ServerAddr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.server == nil {
		return nil
	}
	return i.server.Addr()
}

// StopServer closes every client link, saves persistent topics, and
// returns the instance to the local role.
func (i *Instance) StopServer() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.role != RoleServer {
		return nil
	}
	return i.stopRoleLocked()
}

// SetServer points the client at a single server.
func (i *Instance) SetServer(host string, port int) {
	i.SetServers([]string{net.JoinHostPort(host, strconv.Itoa(port))})
}

// SetServers sets the host:port list the client tries in turn. A running
// client uses it from its next connection attempt.
func (i *Instance) SetServers(servers []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.servers = append([]string(nil), servers...)
	if i.client != nil {
		i.client.SetServers(i.servers)
	}
}

// StartClient connects to the configured servers under identity and keeps
// reconnecting until StopClient.
func (i *Instance) StartClient(identity string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkStartable(); err != nil {
		return err
	}
	if identity == "" {
		identity = i.cfg.Client.Identity
	}
	if len(i.servers) == 0 {
		return errs.New(errs.CodeInvalidArgument, "no servers configured")
	}

	c := reconcile.NewClient(i.tb, identity,
		reconcile.WithClientTransport(i.cfg.Transport()),
		reconcile.WithHeartbeat(i.cfg.Heartbeat.D()),
	)
	c.Start(i.servers)

	ts := newTasks(RoleClient)
	ts.every("flush", i.cfg.FlushInterval.D(), func(context.Context) error {
		return c.Flush()
	})
	i.client, i.tasks = c, ts
	i.role = RoleClient
	i.log.Info("client started", "identity", identity, "servers", i.servers)
	return nil
}

// StopClient closes the session and stops reconnecting.
func (i *Instance) StopClient() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.role != RoleClient {
		return nil
	}
	return i.stopRoleLocked()
}

func (i *Instance) stopRoleLocked() error {
	if i.tasks != nil {
		i.tasks.stop()
		i.tasks = nil
		i.persistNow = nil
	}
	var err error
	switch i.role {
	case RoleServer:
		ctx, cancel := context.WithTimeout(context.Background(), i.cfg.WriteTimeout.D())
		defer cancel()
		err = i.server.Close(ctx)
		if i.persist != nil {
			if perr := i.persist.save(ctx); perr != nil && err == nil {
				err = perr
			}
			i.persist.close()
			i.persist = nil
		}
		i.server = nil
		i.log.Info("server stopped")
	case RoleClient:
		i.client.Stop()
		i.client = nil
		i.log.Info("client stopped")
	}
	i.role = RoleLocal
	return err
}

// Flush hands every queued change to the network now, without waiting for
// peers to receive it. In the local role it does nothing.
func (i *Instance) Flush() error {
	i.mu.Lock()
	srv, c := i.server, i.client
	i.mu.Unlock()
	switch {
	case srv != nil:
		return srv.Flush()
	case c != nil:
		return c.Flush()
	}
	return nil
}

// Connected reports whether the client has a live session, or whether the
// server has at least one client.
func (i *Instance) Connected() bool {
	return len(i.Connections()) > 0
}

// Connections lists the live peer connections.
func (i *Instance) Connections() []ConnectionInfo {
	i.mu.Lock()
	srv, c := i.server, i.client
	i.mu.Unlock()
	switch {
	case srv != nil:
		return srv.Connections()
	case c != nil:
		return c.Connections()
	}
	return nil
}

// Now returns the instance clock in microseconds.
func (i *Instance) Now() int64 { return i.tb.Now() }

// ServerTimeOffset returns how far the server clock is ahead of this
// instance's, once a client has measured it.
func (i *Instance) ServerTimeOffset() (int64, bool) {
	i.mu.Lock()
	c := i.client
	i.mu.Unlock()
	if c == nil {
		return 0, false
	}
	return c.Offset()
}
