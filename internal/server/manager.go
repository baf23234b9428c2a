package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/metrics"
	"github.com/porticoproxy/portico/internal/proxy"
	"github.com/porticoproxy/portico/internal/ratelimit"
	"github.com/porticoproxy/portico/internal/registry"
	"github.com/porticoproxy/portico/internal/static"
)

// ShutdownGrace bounds how long a retiring listener may drain in-flight
// requests before its server is torn down.
const ShutdownGrace = 30 * time.Second

// readHeaderTimeout guards against slow-header clients on every listener.
const readHeaderTimeout = 10 * time.Second

// Manager owns the listener set. Applying a configuration binds the new
// addresses before the old ones are drained; SO_REUSEPORT lets both
// generations hold the same port during the handover, so established
// connections finish on the old servers while new ones land on the new.
type Manager struct {
	Table   *registry.Table
	Limiter *ratelimit.Limiter
	Metrics *metrics.Registry
	Scripts ScriptRunner
	Log     *zap.SugaredLogger

	// transport is shared by every generation's proxy engines; idle
	// connections are flushed when a generation retires.
	transport *http.Transport

	mu     sync.Mutex
	active *generation
	closed bool
}

type generation struct {
	listeners []*boundListener
	eg        *errgroup.Group
}

type boundListener struct {
	addr string
	srv  *http.Server
	ln   net.Listener
	tls  bool
}

func NewManager(tbl *registry.Table, lim *ratelimit.Limiter, m *metrics.Registry, scripts ScriptRunner, log *zap.SugaredLogger) *Manager {
	return &Manager{
		Table:     tbl,
		Limiter:   lim,
		Metrics:   m,
		Scripts:   scripts,
		Log:       log,
		transport: proxy.NewTransport(proxy.DefaultOptions()),
	}
}

// Apply binds listeners for cfg and retires whatever was serving before.
// The registry table must already hold cfg; Apply only touches sockets.
func (m *Manager) Apply(cfg *config.Config) error {
	next, err := m.bind(cfg)
	if err != nil {
		// Partial binds are unwound so a bad config leaves the old
		// generation untouched.
		for _, b := range next.listeners {
			_ = b.ln.Close()
		}
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		for _, b := range next.listeners {
			_ = b.ln.Close()
		}
		return fmt.Errorf("apply after shutdown")
	}
	old := m.active
	m.active = next
	m.mu.Unlock()

	for _, b := range next.listeners {
		next.eg.Go(m.serveFunc(b))
		if m.Metrics != nil {
			m.Metrics.IncListeners(b.addr)
		}
		if m.Log != nil {
			m.Log.Infow("listening", "addr", b.addr, "tls", b.tls)
		}
	}

	if old != nil {
		m.retire(old)
	}
	return nil
}

// Shutdown drains and stops the active generation. Later Apply calls fail,
// so a reload racing shutdown cannot rebind retired addresses.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	old := m.active
	m.active = nil
	m.closed = true
	m.mu.Unlock()

	if old != nil {
		m.retire(old)
	}
}

func (m *Manager) bind(cfg *config.Config) (*generation, error) {
	gen := &generation{eg: &errgroup.Group{}}

	// Hosts sharing an ip:port share one listener; the handler tells them
	// apart by Host header.
	byAddr := make(map[string][]*config.Host)
	order := make([]string, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		addr := h.Addr()
		if _, seen := byAddr[addr]; !seen {
			order = append(order, addr)
		}
		byAddr[addr] = append(byAddr[addr], h)
	}

	for _, addr := range order {
		hosts := byAddr[addr]
		b, err := m.bindOne(addr, hosts)
		if err != nil {
			return gen, err
		}
		gen.listeners = append(gen.listeners, b)
	}
	return gen, nil
}

func (m *Manager) bindOne(addr string, hosts []*config.Host) (*boundListener, error) {
	useTLS := hosts[0].SSL
	for _, h := range hosts[1:] {
		if h.SSL != useTLS {
			return nil, fmt.Errorf("listen %s: hosts mix ssl and plain", addr)
		}
		// One listener, one http.Server: timeouts cannot differ per host.
		if h.Timeout != hosts[0].Timeout || h.IdleTimeout != hosts[0].IdleTimeout {
			return nil, fmt.Errorf("listen %s: hosts disagree on timeouts (%q vs %q)", addr, hosts[0].ServerName, h.ServerName)
		}
	}

	scheme := "http"
	var tlsConf *tls.Config
	if useTLS {
		scheme = "https"
		certs := make([]tls.Certificate, 0, len(hosts))
		for _, h := range hosts {
			cert, err := tls.LoadX509KeyPair(h.CertPath, h.KeyPath)
			if err != nil {
				return nil, fmt.Errorf("listen %s: load keypair for %q: %w", addr, h.ServerName, err)
			}
			certs = append(certs, cert)
		}
		tlsConf = &tls.Config{
			Certificates: certs,
			MinVersion:   tls.VersionTLS12,
		}
	}

	st := m.staticResponder()
	engine := proxy.NewEngine(m.Table, st, m.Log)
	engine.Transport = m.transport
	handler := &Handler{
		Table:   m.Table,
		Engine:  engine,
		Static:  st,
		Limiter: m.Limiter,
		Metrics: m.Metrics,
		Scripts: m.Scripts,
		Log:     m.Log,
		Scheme:  scheme,
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      hosts[0].Timeout,
		IdleTimeout:       hosts[0].IdleTimeout,
		TLSConfig:         tlsConf,
	}

	ln, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &boundListener{addr: addr, srv: srv, ln: ln, tls: useTLS}, nil
}

func (m *Manager) staticResponder() *static.Responder {
	return &static.Responder{MIMETypes: m.mimeTypes(), Log: m.Log}
}

func (m *Manager) mimeTypes() map[string]string {
	// Snapshot per generation; reload swaps the table before Apply rebinds.
	return m.Table.MIMETypes()
}

func (m *Manager) serveFunc(b *boundListener) func() error {
	return func() error {
		var err error
		if b.tls {
			err = b.srv.ServeTLS(b.ln, "", "")
		} else {
			err = b.srv.Serve(b.ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", b.addr, err)
	}
}

func (m *Manager) retire(gen *generation) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()

	for _, b := range gen.listeners {
		if err := b.srv.Shutdown(ctx); err != nil && m.Log != nil {
			m.Log.Warnw("shutdown", "addr", b.addr, "error", err)
		}
		if m.Metrics != nil {
			m.Metrics.DecListeners(b.addr)
		}
	}
	if err := gen.eg.Wait(); err != nil && m.Log != nil {
		m.Log.Errorw("listener exited", "error", err)
	}
	m.transport.CloseIdleConnections()
}
