package config

import (
	"fmt"
	"net/url"
	"time"
)

// BehaviorKind tags the single behavior a route carries.
type BehaviorKind int

const (
	BehaviorStatic BehaviorKind = iota
	BehaviorReverseProxy
	BehaviorForwardProxy
	BehaviorRedirect
	BehaviorScript
)

func (k BehaviorKind) String() string {
	switch k {
	case BehaviorStatic:
		return "static"
	case BehaviorReverseProxy:
		return "reverse_proxy"
	case BehaviorForwardProxy:
		return "forward_proxy"
	case BehaviorRedirect:
		return "redirect"
	case BehaviorScript:
		return "script"
	}
	return "unknown"
}

// StaticBehavior serves files under Root, trying Index names for
// directory requests.
type StaticBehavior struct {
	Root  string
	Index []string // empty => ["index.html"]
}

// ProxyBehavior forwards to a literal base URL or a named upstream group.
// Exactly one of Target/Upstream is set.
type ProxyBehavior struct {
	Target   string // literal base URL, e.g. "http://10.0.0.5:8080"
	Upstream string // upstream group name
	Timeout  time.Duration
}

// ForwardBehavior marks a route as a forward proxy. Enabled false means the
// route was declared but switched off; requests then fall back to the
// route's custom page.
type ForwardBehavior struct {
	Enabled bool
	Timeout time.Duration
}

// RedirectBehavior answers with a Location header and no body.
type RedirectBehavior struct {
	To   string
	Code int // default 301
}

// ScriptBehavior hands the request to a registered script runner.
// The runner itself is an extension point, not part of this repo.
type ScriptBehavior struct {
	Path string
}

// Behavior is a tagged variant: exactly one branch is non-nil, matching Kind.
// Mutual exclusion is enforced by Load, never re-checked per request.
type Behavior struct {
	Kind     BehaviorKind
	Static   *StaticBehavior
	Proxy    *ProxyBehavior
	Forward  *ForwardBehavior
	Redirect *RedirectBehavior
	Script   *ScriptBehavior
}

// ErrorPage points at a file under the route's root served in place of the
// generic not-found body, with its own status code.
type ErrorPage struct {
	Status int
	Page   string
}

// RateLimit caps a route with a token bucket.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Route is one location's full behavior within a host.
type Route struct {
	// Location is normalized to end with "/"; it doubles as the RouteMap key.
	Location string
	Behavior Behavior

	ErrorPage    *ErrorPage
	Headers      map[string]string // injected into every response
	MaxBodyBytes int64             // request body cap for proxying; 0 => DefaultMaxBodyBytes
	RateLimit    *RateLimit
}

// Host is one virtual host binding. Immutable after construction; a reload
// builds fresh hosts rather than mutating these in place.
type Host struct {
	IP   string
	Port uint16

	SSL      bool
	CertPath string
	KeyPath  string

	// ServerName is the domain this host answers for. Empty means the
	// default (catch-all) host for the port.
	ServerName string

	Timeout     time.Duration // per-request processing timeout
	IdleTimeout time.Duration

	Routes []*Route
	// RouteMap indexes Routes by location; built once by Load.
	RouteMap map[string]*Route
	// Locations holds RouteMap keys sorted longest-first for prefix matching.
	Locations []string
}

// Addr returns the listen address.
func (h *Host) Addr() string {
	return fmt.Sprintf("%s:%d", h.IP, h.Port)
}

// UpstreamGroup is a named, non-empty pool of backend base URLs.
type UpstreamGroup struct {
	Name    string
	Servers []*url.URL
}

// Config is the validated result of loading the configuration file.
type Config struct {
	Hosts     []*Host
	Upstreams map[string]*UpstreamGroup
	// MIMETypes extends the built-in extension=>type table.
	MIMETypes map[string]string
}
