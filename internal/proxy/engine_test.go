package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/registry"
	"github.com/porticoproxy/portico/internal/static"
)

func newTestEngine(t *testing.T, yml string) *Engine {
	t.Helper()
	tbl := registry.New()
	if yml != "" {
		cfg, err := config.Parse([]byte(yml))
		if err != nil {
			t.Fatalf("parse config: %v", err)
		}
		tbl.Swap(cfg)
	}
	return NewEngine(tbl, &static.Responder{}, nil)
}

func proxyRoute(target string, timeout time.Duration) *config.Route {
	return &config.Route{
		Location: "/",
		Behavior: config.Behavior{
			Kind:  config.BehaviorReverseProxy,
			Proxy: &config.ProxyBehavior{Target: target, Timeout: timeout},
		},
	}
}

func TestServeReverse_HopByHopStripping(t *testing.T) {
	var seenConn, seenCustom, seenKeepAlive string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenConn = r.Header.Get("Connection")
		seenKeepAlive = r.Header.Get("Keep-Alive")
		seenCustom = r.Header.Get("X-Custom")
		w.Header().Set("X-Up", "ok")
		w.Header().Set("Proxy-Authenticate", "Basic")
		w.WriteHeader(200)
		fmt.Fprint(w, "upstream body")
	}))
	defer up.Close()

	e := newTestEngine(t, "")
	req := httptest.NewRequest("GET", "/api/ping?x=1", nil)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("X-Custom", "v")
	rec := httptest.NewRecorder()
	e.ServeReverse(rec, req, proxyRoute(up.URL, 5*time.Second))

	if rec.Code != 200 {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if seenConn != "" || seenKeepAlive != "" {
		t.Fatalf("hop-by-hop leaked upstream: Connection=%q Keep-Alive=%q", seenConn, seenKeepAlive)
	}
	if seenCustom != "v" {
		t.Fatalf("end-to-end header lost: X-Custom=%q", seenCustom)
	}
	// symmetric rule on the response
	if got := rec.Header().Get("Proxy-Authenticate"); got != "" {
		t.Fatalf("hop-by-hop leaked downstream: Proxy-Authenticate=%q", got)
	}
	if got := rec.Header().Get("X-Up"); got != "ok" {
		t.Fatalf("upstream end-to-end header lost: X-Up=%q", got)
	}
	if rec.Body.String() != "upstream body" {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestServeReverse_TargetConcatenation(t *testing.T) {
	var seenURI string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenURI = r.URL.RequestURI()
	}))
	defer up.Close()

	e := newTestEngine(t, "")
	req := httptest.NewRequest("GET", "/api/users?page=2", nil)
	rec := httptest.NewRecorder()
	e.ServeReverse(rec, req, proxyRoute(up.URL, 0))

	if seenURI != "/api/users?page=2" {
		t.Fatalf("upstream URI: got %q, want /api/users?page=2", seenURI)
	}
}

func TestServeReverse_UpstreamGroupRotation(t *testing.T) {
	var hits [2]int
	backends := make([]*httptest.Server, 2)
	for i := range backends {
		i := i
		backends[i] = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits[i]++
		}))
		defer backends[i].Close()
	}

	e := newTestEngine(t, fmt.Sprintf(`
upstreams:
  - name: pool
    servers:
      - server: %s
      - server: %s
hosts:
  - port: 80
    routes: [{location: /, upstream: pool}]
`, backends[0].URL, backends[1].URL))

	route := &config.Route{
		Location: "/",
		Behavior: config.Behavior{
			Kind:  config.BehaviorReverseProxy,
			Proxy: &config.ProxyBehavior{Upstream: "pool", Timeout: time.Second},
		},
	}
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		e.ServeReverse(rec, httptest.NewRequest("GET", "/", nil), route)
		if rec.Code != 200 {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	if hits[0] != 2 || hits[1] != 2 {
		t.Fatalf("round robin skewed: %v", hits)
	}
}

func TestServeReverse_TimeoutIsBadRequest(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer up.Close()

	e := newTestEngine(t, "")
	rec := httptest.NewRecorder()
	e.ServeReverse(rec, httptest.NewRequest("GET", "/", nil), proxyRoute(up.URL, 30*time.Millisecond))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("timeout status: got %d, want 400", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "context") {
		t.Fatal("raw error text leaked to the client")
	}
}

func TestServeReverse_BodyCap(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	route := proxyRoute(up.URL, time.Second)
	route.MaxBodyBytes = 16

	e := newTestEngine(t, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
	e.ServeReverse(rec, req, route)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: got %d, want 413", rec.Code)
	}
}

func TestServeReverse_MissingTargetFallsBackToCustomPage(t *testing.T) {
	e := newTestEngine(t, "")
	route := &config.Route{
		Location: "/",
		Behavior: config.Behavior{Kind: config.BehaviorReverseProxy, Proxy: &config.ProxyBehavior{}},
	}
	rec := httptest.NewRecorder()
	e.ServeReverse(rec, httptest.NewRequest("GET", "/", nil), route)

	if rec.Code != 404 {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Content not found") {
		t.Fatal("expected the shared not-found page body")
	}
}

func TestServeForward_ProxiesRequestTarget(t *testing.T) {
	var seenPath string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		fmt.Fprint(w, "forwarded")
	}))
	defer up.Close()

	route := &config.Route{
		Location: "/",
		Behavior: config.Behavior{
			Kind:    config.BehaviorForwardProxy,
			Forward: &config.ForwardBehavior{Enabled: true, Timeout: time.Second},
		},
	}
	e := newTestEngine(t, "")
	rec := httptest.NewRecorder()
	// origin-form target naming the upstream without a scheme
	target := "/" + strings.TrimPrefix(up.URL, "http://") + "/fetch/me"
	e.ServeForward(rec, httptest.NewRequest("GET", target, nil), route)

	if rec.Code != 200 {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if seenPath != "/fetch/me" {
		t.Fatalf("upstream path: got %q", seenPath)
	}
	if rec.Body.String() != "forwarded" {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestServeForward_DisabledFallsBackToCustomPage(t *testing.T) {
	route := &config.Route{
		Location: "/",
		Behavior: config.Behavior{
			Kind:    config.BehaviorForwardProxy,
			Forward: &config.ForwardBehavior{Enabled: false},
		},
	}
	e := newTestEngine(t, "")
	rec := httptest.NewRecorder()
	e.ServeForward(rec, httptest.NewRequest("GET", "/example.com/x", nil), route)

	if rec.Code != 404 {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
}

func TestServeRedirect(t *testing.T) {
	route := &config.Route{
		Location: "/old/",
		Behavior: config.Behavior{
			Kind:     config.BehaviorRedirect,
			Redirect: &config.RedirectBehavior{To: "https://example.com/new", Code: 302},
		},
	}
	rec := httptest.NewRecorder()
	ServeRedirect(rec, route, nil)

	if rec.Code != 302 {
		t.Fatalf("status: got %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/new" {
		t.Fatalf("location: got %q", loc)
	}
	if rec.Body.Len() != 0 {
		t.Fatal("redirect body must be empty")
	}
}

func TestServeRedirect_MissingTargetIsInternal(t *testing.T) {
	route := &config.Route{
		Location: "/old/",
		Behavior: config.Behavior{Kind: config.BehaviorRedirect, Redirect: &config.RedirectBehavior{}},
	}
	rec := httptest.NewRecorder()
	ServeRedirect(rec, route, nil)
	if rec.Code != 500 {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
}

func TestIsHopByHop(t *testing.T) {
	for _, name := range []string{"Host", "Connection", "Proxy-Authenticate", "Upgrade", "Proxy-Authorization", "Keep-Alive", "Transfer-Encoding", "TE"} {
		if !IsHopByHop(name) {
			t.Errorf("%s must be hop-by-hop", name)
		}
	}
	for _, name := range []string{"User-Agent", "Content-Type", "Accept", "Authorization", "Cookie", "Referer"} {
		if IsHopByHop(name) {
			t.Errorf("%s must be forwarded", name)
		}
	}
}
