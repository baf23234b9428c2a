package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(`
hosts:
  - ip: 127.0.0.1
    port: 8080
    routes:
      - location: /
        root: ./public
`))
	require.NoError(t, err)
	require.Len(t, cfg.Hosts, 1)

	h := cfg.Hosts[0]
	assert.Equal(t, "127.0.0.1:8080", h.Addr())
	assert.Equal(t, "", h.ServerName)
	assert.Equal(t, 75*time.Second, h.Timeout)

	r, ok := h.RouteMap["/"]
	require.True(t, ok, "location normalized to '/' must be in RouteMap")
	assert.Equal(t, BehaviorStatic, r.Behavior.Kind)
	assert.Equal(t, "./public", r.Behavior.Static.Root)
}

func TestParse_UpstreamsAndRoutes(t *testing.T) {
	cfg, err := Parse([]byte(`
upstreams:
  - name: backend
    servers:
      - server: 192.168.1.100:8080
      - server: http://192.168.1.101:8080
hosts:
  - port: 8080
    timeout: 30
    routes:
      - location: /api
        upstream: backend
        proxy_timeout: 30
      - location: /direct
        proxy_pass: http://127.0.0.1:9000
`))
	require.NoError(t, err)

	g, ok := cfg.Upstreams["backend"]
	require.True(t, ok)
	require.Len(t, g.Servers, 2)
	assert.Equal(t, "http://192.168.1.100:8080", g.Servers[0].String())

	h := cfg.Hosts[0]
	assert.Equal(t, 30*time.Second, h.Timeout)

	api := h.RouteMap["/api/"]
	require.NotNil(t, api, "location must be normalized with trailing slash")
	assert.Equal(t, BehaviorReverseProxy, api.Behavior.Kind)
	assert.Equal(t, "backend", api.Behavior.Proxy.Upstream)
	assert.Equal(t, 30*time.Second, api.Behavior.Proxy.Timeout)

	direct := h.RouteMap["/direct/"]
	require.NotNil(t, direct)
	assert.Equal(t, "http://127.0.0.1:9000", direct.Behavior.Proxy.Target)
}

func TestParse_EmptyUpstreamRejected(t *testing.T) {
	_, err := Parse([]byte(`
upstreams:
  - name: dead
    servers: []
hosts:
  - port: 8080
    routes:
      - location: /
        upstream: dead
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "servers is empty")
}

func TestParse_UnknownUpstreamRejected(t *testing.T) {
	_, err := Parse([]byte(`
hosts:
  - port: 8080
    routes:
      - location: /
        upstream: nowhere
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown upstream "nowhere"`)
}

func TestParse_AmbiguousBehaviorRejected(t *testing.T) {
	_, err := Parse([]byte(`
hosts:
  - port: 8080
    routes:
      - location: /
        proxy_pass: http://127.0.0.1:9000
        redirect_to: https://example.com
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestParse_DuplicateHostRejected(t *testing.T) {
	_, err := Parse([]byte(`
hosts:
  - port: 8080
    server_name: a.com
    routes: [{location: /, root: ./a}]
  - port: 8080
    server_name: A.COM
    routes: [{location: /, root: ./b}]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate host")
}

func TestParse_SecondDefaultHostRejected(t *testing.T) {
	_, err := Parse([]byte(`
hosts:
  - port: 8080
    routes: [{location: /, root: ./a}]
  - port: 8080
    routes: [{location: /, root: ./b}]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second default host")
}

func TestParse_SSLRequiresCredentials(t *testing.T) {
	_, err := Parse([]byte(`
hosts:
  - port: 8443
    ssl: true
    routes: [{location: /, root: ./a}]
`))
	require.Error(t, err)
}

func TestParse_RedirectDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
hosts:
  - port: 8080
    routes:
      - location: /old
        redirect_to: https://example.com/new
`))
	require.NoError(t, err)
	r := cfg.Hosts[0].RouteMap["/old/"]
	require.NotNil(t, r)
	require.Equal(t, BehaviorRedirect, r.Behavior.Kind)
	assert.Equal(t, 301, r.Behavior.Redirect.Code)
}

func TestParse_ForwardProxyFlag(t *testing.T) {
	cfg, err := Parse([]byte(`
hosts:
  - port: 8080
    routes:
      - location: /fwd
        forward_proxy: true
      - location: /off
        forward_proxy: false
`))
	require.NoError(t, err)
	h := cfg.Hosts[0]
	require.Equal(t, BehaviorForwardProxy, h.RouteMap["/fwd/"].Behavior.Kind)
	assert.True(t, h.RouteMap["/fwd/"].Behavior.Forward.Enabled)
	assert.False(t, h.RouteMap["/off/"].Behavior.Forward.Enabled)
}

func TestParse_LocationsSortedLongestFirst(t *testing.T) {
	cfg, err := Parse([]byte(`
hosts:
  - port: 8080
    routes:
      - {location: /, root: ./a}
      - {location: /docs/deep, root: ./c}
      - {location: /docs, root: ./b}
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs/deep/", "/docs/", "/"}, cfg.Hosts[0].Locations)
}

func TestParse_RateLimitValidation(t *testing.T) {
	cfg, err := Parse([]byte(`
hosts:
  - port: 8080
    routes:
      - location: /
        root: ./a
        rate_limit:
          requests_per_second: 5
`))
	require.NoError(t, err)
	rl := cfg.Hosts[0].RouteMap["/"].RateLimit
	require.NotNil(t, rl)
	assert.Equal(t, 5.0, rl.RequestsPerSecond)
	assert.Equal(t, 5, rl.Burst)

	_, err = Parse([]byte(`
hosts:
  - port: 8080
    routes:
      - location: /
        root: ./a
        rate_limit:
          requests_per_second: 0
`))
	require.Error(t, err)
}
