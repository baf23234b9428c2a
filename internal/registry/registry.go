// Package registry holds the process-wide routing state: which virtual host
// answers on which (port, domain) pair and which backends each upstream group
// fans out to. A Table is built once at startup, handed by reference to every
// connection handler and to the reload supervisor, and replaced wholesale on
// reload, never patched in place.
package registry

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/porticoproxy/portico/internal/config"
)

// Upstream is a named backend pool with a rotation cursor. Selection policy
// is round-robin: each Pick advances an atomic counter over the server list.
type Upstream struct {
	name    string
	servers []*url.URL
	next    atomic.Uint64
}

// Pick returns the next backend base URL in rotation.
func (u *Upstream) Pick() *url.URL {
	n := u.next.Add(1) - 1
	return u.servers[n%uint64(len(u.servers))]
}

// Name returns the group name.
func (u *Upstream) Name() string { return u.name }

// Servers returns the backend list in configuration order.
func (u *Upstream) Servers() []*url.URL { return u.servers }

// Table is the shared routing state. Reads take the lock only long enough to
// grab a reference to the current maps; the maps themselves are immutable
// once published, so a request sees either the fully-old or the fully-new
// configuration, never a mix.
type Table struct {
	mu        sync.RWMutex
	hosts     map[uint16]map[string]*config.Host // domain "" is the port's default host
	upstreams map[string]*Upstream
	mimeTypes map[string]string
}

// New returns an empty Table; populate it with Swap.
func New() *Table {
	return &Table{
		hosts:     make(map[uint16]map[string]*config.Host),
		upstreams: make(map[string]*Upstream),
	}
}

// Swap clears and repopulates both registries from cfg. The new maps are
// built off to the side and published in one critical section.
func (t *Table) Swap(cfg *config.Config) {
	hosts := make(map[uint16]map[string]*config.Host, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		byDomain, ok := hosts[h.Port]
		if !ok {
			byDomain = make(map[string]*config.Host)
			hosts[h.Port] = byDomain
		}
		byDomain[h.ServerName] = h
	}
	upstreams := make(map[string]*Upstream, len(cfg.Upstreams))
	for name, g := range cfg.Upstreams {
		upstreams[name] = &Upstream{name: name, servers: g.Servers}
	}

	t.mu.Lock()
	t.hosts = hosts
	t.upstreams = upstreams
	t.mimeTypes = cfg.MIMETypes
	t.mu.Unlock()
}

// MIMETypes returns the configured extension overrides for static serving.
func (t *Table) MIMETypes() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mimeTypes
}

// HostsByPort returns the domain map registered for port, or nil. The
// returned map is immutable; callers may read it without holding any lock.
func (t *Table) HostsByPort(port uint16) map[string]*config.Host {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hosts[port]
}

// Hosts returns every registered host, for listener startup.
func (t *Table) Hosts() []*config.Host {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*config.Host
	for _, byDomain := range t.hosts {
		for _, h := range byDomain {
			out = append(out, h)
		}
	}
	return out
}

// Pick resolves an upstream group and rotates to its next backend.
func (t *Table) Pick(name string) (*url.URL, error) {
	t.mu.RLock()
	u, ok := t.upstreams[name]
	t.mu.RUnlock()
	if !ok {
		// Load-time validation makes this unreachable for routes built from
		// the same configuration generation.
		return nil, fmt.Errorf("upstream %q not registered", name)
	}
	return u.Pick(), nil
}

// Upstreams returns the current upstream groups keyed by name.
func (t *Table) Upstreams() map[string]*Upstream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.upstreams
}
