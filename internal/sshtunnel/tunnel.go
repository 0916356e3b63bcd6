// Package sshtunnel runs the port forwards configured for a connection
// over an established SSH session.
package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/things-go/go-socks5"

	"github.com/gluk-w/ttyvault/internal/database"
	"github.com/gluk-w/ttyvault/internal/errortypes"
	"github.com/gluk-w/ttyvault/internal/logging"
	"github.com/gluk-w/ttyvault/internal/sshterminal"
)

// Type is the direction of a forward.
type Type string

const (
	// Local listens on this machine and dials through the server (ssh -L).
	Local Type = database.TunnelLocal
	// Remote listens on the server and dials from this machine (ssh -R).
	Remote Type = database.TunnelRemote
	// Dynamic runs a SOCKS5 proxy on this machine whose connections are
	// dialed through the server (ssh -D). Remote fields are unused.
	Dynamic Type = database.TunnelDynamic
)

const defaultBindHost = "127.0.0.1"

// Config describes one forward.
type Config struct {
	Type        Type
	LocalHost   string
	LocalPort   int
	RemoteHost  string
	RemotePort  int
	Description string
}

// FromRecords converts the enabled tunnels of a connection.
func FromRecords(rows []database.Tunnel) []Config {
	var out []Config
	for _, t := range rows {
		if !t.Enabled {
			continue
		}
		out = append(out, Config{
			Type:        Type(t.Type),
			LocalHost:   t.LocalHost,
			LocalPort:   t.LocalPort,
			RemoteHost:  t.RemoteHost,
			RemotePort:  t.RemotePort,
			Description: t.Description,
		})
	}
	return out
}

func (c Config) localAddr() string {
	host := c.LocalHost
	if host == "" {
		host = defaultBindHost
	}
	return net.JoinHostPort(host, strconv.Itoa(c.LocalPort))
}

func (c Config) remoteAddr() string {
	host := c.RemoteHost
	if host == "" {
		host = defaultBindHost
	}
	return net.JoinHostPort(host, strconv.Itoa(c.RemotePort))
}

func (c Config) String() string {
	switch c.Type {
	case Remote:
		return fmt.Sprintf("remote %s -> %s", c.remoteAddr(), c.localAddr())
	case Dynamic:
		return fmt.Sprintf("dynamic socks5 %s", c.localAddr())
	}
	return fmt.Sprintf("local %s -> %s", c.localAddr(), c.remoteAddr())
}

// Forwarder is the part of an SSH client used for forwarding.
type Forwarder interface {
	Dial(network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
}

// Active is a running forward.
type Active struct {
	Config Config
	// Addr is the bound listen address, useful when the port was 0.
	Addr      string
	StartedAt time.Time

	cancel   context.CancelFunc
	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Close stops accepting and tears down open connections.
func (a *Active) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	err := a.listener.Close()
	a.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// IsClosed reports whether Close has been called.
func (a *Active) IsClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Manager tracks forwards per session.
type Manager struct {
	log zerolog.Logger

	mu      sync.RWMutex
	tunnels map[string][]*Active // session ID → forwards
}

// NewManager creates a tunnel manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:     logging.Component(log, "tunnel"),
		tunnels: make(map[string][]*Active),
	}
}

// StartAll starts every forward. A failing forward is logged and skipped;
// the others still start. The joined failures are returned.
func (m *Manager) StartAll(ctx context.Context, sessionID string, fwd Forwarder, configs []Config) ([]*Active, error) {
	var started []*Active
	var errs []error
	for _, cfg := range configs {
		a, err := m.Start(ctx, sessionID, fwd, cfg)
		if err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Str("tunnel", cfg.String()).Msg("tunnel failed to start")
			errs = append(errs, err)
			continue
		}
		started = append(started, a)
	}
	return started, errors.Join(errs...)
}

// Start opens one forward.
func (m *Manager) Start(ctx context.Context, sessionID string, fwd Forwarder, cfg Config) (*Active, error) {
	if cfg.Type == Dynamic {
		return m.startDynamic(ctx, sessionID, fwd, cfg)
	}

	var (
		listener net.Listener
		dial     func() (net.Conn, error)
		err      error
	)
	switch cfg.Type {
	case Local:
		listener, err = net.Listen("tcp", cfg.localAddr())
		if err != nil {
			return nil, &errortypes.ResourceError{Err: fmt.Errorf("listen on %s: %w", cfg.localAddr(), err)}
		}
		remote := cfg.remoteAddr()
		dial = func() (net.Conn, error) { return fwd.Dial("tcp", remote) }
	case Remote:
		listener, err = fwd.Listen("tcp", cfg.remoteAddr())
		if err != nil {
			return nil, &errortypes.TransportError{Err: fmt.Errorf("remote listen on %s: %w", cfg.remoteAddr(), err)}
		}
		local := cfg.localAddr()
		dial = func() (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", local)
		}
	default:
		return nil, &errortypes.FormatError{Err: fmt.Errorf("unsupported tunnel type %q", cfg.Type)}
	}

	tunnelCtx, cancel := context.WithCancel(ctx)
	a := &Active{
		Config:    cfg,
		Addr:      listener.Addr().String(),
		StartedAt: time.Now(),
		cancel:    cancel,
		listener:  listener,
	}
	// A cancelled parent context also stops the accept loop.
	stop := context.AfterFunc(tunnelCtx, func() { listener.Close() })

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer stop()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if tunnelCtx.Err() == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
					m.log.Warn().Err(err).Str("tunnel", cfg.String()).Msg("accept failed")
				}
				return
			}
			peer, err := dial()
			if err != nil {
				m.log.Warn().Err(err).Str("tunnel", cfg.String()).Msg("dial failed")
				conn.Close()
				continue
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				bidirectionalCopy(tunnelCtx, conn, peer)
			}()
		}
	}()

	m.add(sessionID, a)
	m.log.Info().Str("session_id", sessionID).Str("tunnel", cfg.String()).Str("addr", a.Addr).Msg("tunnel started")
	return a, nil
}

// startDynamic serves SOCKS5 on the local address. Hostnames are passed to
// the server unresolved, as ssh -D does.
func (m *Manager) startDynamic(ctx context.Context, sessionID string, fwd Forwarder, cfg Config) (*Active, error) {
	listener, err := net.Listen("tcp", cfg.localAddr())
	if err != nil {
		return nil, &errortypes.ResourceError{Err: fmt.Errorf("listen on %s: %w", cfg.localAddr(), err)}
	}

	tunnelCtx, cancel := context.WithCancel(ctx)
	a := &Active{
		Config:    cfg,
		Addr:      listener.Addr().String(),
		StartedAt: time.Now(),
		cancel:    cancel,
		listener:  listener,
	}
	log := m.log.With().Str("tunnel", cfg.String()).Logger()

	server := socks5.NewServer(
		socks5.WithLogger(socksLogger{log}),
		socks5.WithResolver(remoteResolver{}),
		socks5.WithDial(func(_ context.Context, network, addr string) (net.Conn, error) {
			peer, err := fwd.Dial(network, addr)
			if err != nil {
				log.Warn().Err(err).Str("target", logging.Sanitize(addr)).Msg("dial failed")
				return nil, err
			}
			context.AfterFunc(tunnelCtx, func() { peer.Close() })
			return peer, nil
		}),
	)

	stop := context.AfterFunc(tunnelCtx, func() { listener.Close() })

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer stop()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if tunnelCtx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					log.Warn().Err(err).Msg("accept failed")
				}
				return
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				stopConn := context.AfterFunc(tunnelCtx, func() { conn.Close() })
				defer stopConn()
				if err := server.ServeConn(conn); err != nil && tunnelCtx.Err() == nil {
					log.Debug().Err(err).Msg("socks connection ended")
				}
			}()
		}
	}()

	m.add(sessionID, a)
	m.log.Info().Str("session_id", sessionID).Str("tunnel", cfg.String()).Str("addr", a.Addr).Msg("tunnel started")
	return a, nil
}

// remoteResolver leaves hostnames for the SSH server to resolve.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

type socksLogger struct{ log zerolog.Logger }

func (l socksLogger) Errorf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (m *Manager) add(sessionID string, a *Active) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnels[sessionID] = append(m.tunnels[sessionID], a)
}

// Get returns the forwards of a session.
func (m *Manager) Get(sessionID string) []*Active {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Active, len(m.tunnels[sessionID]))
	copy(out, m.tunnels[sessionID])
	return out
}

// CloseSession closes and forgets the forwards of a session.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	tunnels := m.tunnels[sessionID]
	delete(m.tunnels, sessionID)
	m.mu.Unlock()

	for _, a := range tunnels {
		if err := a.Close(); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("error closing tunnel")
		}
	}
	if len(tunnels) > 0 {
		m.log.Info().Str("session_id", sessionID).Int("count", len(tunnels)).Msg("tunnels closed")
	}
}

// CloseAll closes every forward.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tunnels))
	for id := range m.tunnels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CloseSession(id)
	}
}

// SessionCreated implements sshterminal.Listener.
func (m *Manager) SessionCreated(*sshterminal.Session) {}

// SessionClosed implements sshterminal.Listener by closing the session's
// forwards.
func (m *Manager) SessionClosed(s *sshterminal.Session) {
	m.CloseSession(s.ID())
}

// bidirectionalCopy pipes data between two connections until one side
// closes or ctx is cancelled.
func bidirectionalCopy(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	select {
	case <-done:
	case <-ctx.Done():
	}
	a.Close()
	b.Close()
	<-done
}
