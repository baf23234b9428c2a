package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxBodyBytes caps buffered proxy request bodies when a route does
// not set its own limit.
const DefaultMaxBodyBytes = 10 << 20

const (
	defaultProxyTimeout = 10 * time.Second
	defaultHostTimeout  = 75 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultRedirectCode = 301
)

type rawConfig struct {
	Upstreams []struct {
		Name    string `yaml:"name"`
		Servers []struct {
			Server string `yaml:"server"`
		} `yaml:"servers"`
	} `yaml:"upstreams"`
	Hosts []struct {
		IP         string     `yaml:"ip"`
		Port       uint16     `yaml:"port"`
		SSL        bool       `yaml:"ssl"`
		Cert       string     `yaml:"cert"`
		Key        string     `yaml:"key"`
		ServerName string     `yaml:"server_name"`
		Timeout    string     `yaml:"timeout"`
		IdleTime   string     `yaml:"idle_timeout"`
		Routes     []rawRoute `yaml:"routes"`
	} `yaml:"hosts"`
	MIMETypes map[string]string `yaml:"mime_types"`
}

// Load reads, parses and validates the configuration file. All invariant
// violations (ambiguous route behavior, empty upstream group, unknown
// upstream reference, duplicate host binding) fail here, before any
// listener starts.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse builds a validated Config from raw YAML bytes.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	upstreams := make(map[string]*UpstreamGroup)
	for i, u := range rc.Upstreams {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return nil, fmt.Errorf("upstreams[%d]: name is required", i)
		}
		if _, dup := upstreams[name]; dup {
			return nil, fmt.Errorf("upstreams: duplicate name %q", name)
		}
		if len(u.Servers) == 0 {
			return nil, fmt.Errorf("upstreams[%d] %q: servers is empty", i, name)
		}
		group := &UpstreamGroup{Name: name}
		for j, s := range u.Servers {
			target, err := parseServer(s.Server)
			if err != nil {
				return nil, fmt.Errorf("upstreams[%d].servers[%d]: %w", i, j, err)
			}
			group.Servers = append(group.Servers, target)
		}
		upstreams[name] = group
	}

	var hosts []*Host
	// at most one entry per (port, domain), at most one default per port
	seen := make(map[string]int)
	for i, h := range rc.Hosts {
		if h.Port == 0 {
			return nil, fmt.Errorf("hosts[%d]: port is required", i)
		}
		host := &Host{
			IP:          strings.TrimSpace(h.IP),
			Port:        h.Port,
			SSL:         h.SSL,
			CertPath:    h.Cert,
			KeyPath:     h.Key,
			ServerName:  strings.ToLower(strings.TrimSpace(h.ServerName)),
			Timeout:     defaultHostTimeout,
			IdleTimeout: defaultIdleTimeout,
			RouteMap:    make(map[string]*Route),
		}
		if host.IP == "" {
			host.IP = "0.0.0.0"
		}
		if h.Timeout != "" {
			d, err := parseSecondsOrDuration(h.Timeout)
			if err != nil {
				return nil, fmt.Errorf("hosts[%d].timeout: %w", i, err)
			}
			host.Timeout = d
		}
		if h.IdleTime != "" {
			d, err := parseSecondsOrDuration(h.IdleTime)
			if err != nil {
				return nil, fmt.Errorf("hosts[%d].idle_timeout: %w", i, err)
			}
			host.IdleTimeout = d
		}
		if host.SSL && (h.Cert == "" || h.Key == "") {
			return nil, fmt.Errorf("hosts[%d]: ssl requires cert and key", i)
		}

		key := fmt.Sprintf("%d/%s", host.Port, host.ServerName)
		if prev, dup := seen[key]; dup {
			if host.ServerName == "" {
				return nil, fmt.Errorf("hosts[%d]: second default host for port %d (first at hosts[%d])", i, host.Port, prev)
			}
			return nil, fmt.Errorf("hosts[%d]: duplicate host %q on port %d (first at hosts[%d])", i, host.ServerName, host.Port, prev)
		}
		seen[key] = i

		if len(h.Routes) == 0 {
			return nil, fmt.Errorf("hosts[%d]: at least one route is required", i)
		}
		for j, r := range h.Routes {
			route, err := buildRoute(r, upstreams)
			if err != nil {
				return nil, fmt.Errorf("hosts[%d].routes[%d]: %w", i, j, err)
			}
			if _, dup := host.RouteMap[route.Location]; dup {
				return nil, fmt.Errorf("hosts[%d].routes[%d]: duplicate location %q", i, j, route.Location)
			}
			host.Routes = append(host.Routes, route)
			host.RouteMap[route.Location] = route
			host.Locations = append(host.Locations, route.Location)
		}
		sort.Slice(host.Locations, func(a, b int) bool {
			return len(host.Locations[a]) > len(host.Locations[b])
		})
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("hosts: at least one is required")
	}

	return &Config{
		Hosts:     hosts,
		Upstreams: upstreams,
		MIMETypes: rc.MIMETypes,
	}, nil
}

// rawRoute mirrors the per-route YAML fields; named so buildRoute stays
// testable without going through yaml.
type rawRoute struct {
	Location     string            `yaml:"location"`
	Root         string            `yaml:"root"`
	Index        []string          `yaml:"index"`
	ProxyPass    string            `yaml:"proxy_pass"`
	Upstream     string            `yaml:"upstream"`
	ProxyTimeout string            `yaml:"proxy_timeout"`
	ForwardProxy *bool             `yaml:"forward_proxy"`
	RedirectTo   string            `yaml:"redirect_to"`
	RedirectCode int               `yaml:"redirect_code"`
	Script       string            `yaml:"script"`
	ErrorStatus  int               `yaml:"error_status"`
	ErrorPage    string            `yaml:"error_page"`
	Headers      map[string]string `yaml:"headers"`
	MaxBodySize  int64             `yaml:"max_body_size"`
	RateLimit    *struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

func buildRoute(r rawRoute, upstreams map[string]*UpstreamGroup) (*Route, error) {
	loc := strings.TrimSpace(r.Location)
	if !strings.HasPrefix(loc, "/") {
		return nil, fmt.Errorf("location must start with '/'")
	}
	if !strings.HasSuffix(loc, "/") {
		loc += "/"
	}

	route := &Route{
		Location:     loc,
		Headers:      r.Headers,
		MaxBodyBytes: r.MaxBodySize,
	}
	if r.ErrorPage != "" {
		status := r.ErrorStatus
		if status == 0 {
			status = 404
		}
		route.ErrorPage = &ErrorPage{Status: status, Page: r.ErrorPage}
	}
	if r.RateLimit != nil {
		if r.RateLimit.RequestsPerSecond <= 0 {
			return nil, fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		burst := r.RateLimit.Burst
		if burst <= 0 {
			burst = int(r.RateLimit.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		route.RateLimit = &RateLimit{RequestsPerSecond: r.RateLimit.RequestsPerSecond, Burst: burst}
	}

	proxyTimeout := defaultProxyTimeout
	if r.ProxyTimeout != "" {
		d, err := parseSecondsOrDuration(r.ProxyTimeout)
		if err != nil {
			return nil, fmt.Errorf("proxy_timeout: %w", err)
		}
		proxyTimeout = d
	}

	// Exactly one behavior per route. An ambiguous route is a configuration
	// error here, never a request-time decision.
	var kinds []string
	if r.Root != "" {
		kinds = append(kinds, "root")
	}
	if r.ProxyPass != "" || r.Upstream != "" {
		kinds = append(kinds, "proxy")
	}
	if r.ForwardProxy != nil {
		kinds = append(kinds, "forward_proxy")
	}
	if r.RedirectTo != "" {
		kinds = append(kinds, "redirect_to")
	}
	if r.Script != "" {
		kinds = append(kinds, "script")
	}
	if len(kinds) > 1 {
		return nil, fmt.Errorf("location %q: behaviors %s are mutually exclusive", loc, strings.Join(kinds, ", "))
	}

	switch {
	case r.Root != "":
		route.Behavior = Behavior{Kind: BehaviorStatic, Static: &StaticBehavior{
			Root:  r.Root,
			Index: r.Index,
		}}
	case r.ProxyPass != "" || r.Upstream != "":
		if r.ProxyPass != "" && r.Upstream != "" {
			return nil, fmt.Errorf("location %q: proxy_pass and upstream are mutually exclusive", loc)
		}
		if r.Upstream != "" {
			if _, ok := upstreams[r.Upstream]; !ok {
				return nil, fmt.Errorf("location %q: unknown upstream %q", loc, r.Upstream)
			}
		} else if _, err := parseServer(r.ProxyPass); err != nil {
			return nil, fmt.Errorf("location %q: proxy_pass: %w", loc, err)
		}
		route.Behavior = Behavior{Kind: BehaviorReverseProxy, Proxy: &ProxyBehavior{
			Target:   r.ProxyPass,
			Upstream: r.Upstream,
			Timeout:  proxyTimeout,
		}}
	case r.ForwardProxy != nil:
		route.Behavior = Behavior{Kind: BehaviorForwardProxy, Forward: &ForwardBehavior{
			Enabled: *r.ForwardProxy,
			Timeout: proxyTimeout,
		}}
	case r.RedirectTo != "":
		code := r.RedirectCode
		if code == 0 {
			code = defaultRedirectCode
		}
		if code < 300 || code > 399 {
			return nil, fmt.Errorf("location %q: redirect_code %d is not a redirect status", loc, code)
		}
		route.Behavior = Behavior{Kind: BehaviorRedirect, Redirect: &RedirectBehavior{
			To:   r.RedirectTo,
			Code: code,
		}}
	case r.Script != "":
		route.Behavior = Behavior{Kind: BehaviorScript, Script: &ScriptBehavior{Path: r.Script}}
	default:
		return nil, fmt.Errorf("location %q: one of root, proxy_pass, upstream, forward_proxy, redirect_to, script is required", loc)
	}

	return route, nil
}

// parseServer accepts "host:port" or a full http(s) URL and returns a
// normalized base URL.
func parseServer(s string) (*url.URL, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("server address is empty")
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%q has no host", s)
	}
	return u, nil
}

// parseSecondsOrDuration reads either a bare number of seconds ("30") or a
// Go duration string ("1m30s").
func parseSecondsOrDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%q must be positive", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%q must be positive", s)
	}
	return d, nil
}
