// Package proxy forwards matched requests upstream: reverse proxying to
// configured backends, forward proxying to arbitrary request targets, and
// configured redirects.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/dispatch"
	"github.com/porticoproxy/portico/internal/registry"
	"github.com/porticoproxy/portico/internal/static"
)

// Engine forwards requests through a shared pooled transport.
type Engine struct {
	Registry  *registry.Table
	Transport http.RoundTripper
	// Static serves the custom-page fallback shared with the static path.
	Static *static.Responder
	Log    *zap.SugaredLogger
}

// NewEngine wires an engine with the default transport.
func NewEngine(tbl *registry.Table, st *static.Responder, log *zap.SugaredLogger) *Engine {
	return &Engine{
		Registry:  tbl,
		Transport: NewTransport(DefaultOptions()),
		Static:    st,
		Log:       log,
	}
}

// ServeReverse proxies the request to the route's configured target or to
// the next backend of its upstream group.
func (e *Engine) ServeReverse(w http.ResponseWriter, r *http.Request, route *config.Route) {
	pb := route.Behavior.Proxy
	if pb == nil || (pb.Target == "" && pb.Upstream == "") {
		// Misconfiguration guard: behave exactly like the static not-found
		// path, custom page and ETag scheme included.
		e.Static.ServeCustomPage(w, r, route)
		return
	}

	var base string
	if pb.Upstream != "" {
		u, err := e.Registry.Pick(pb.Upstream)
		if err != nil {
			dispatch.WriteError(w, e.Log, fmt.Errorf("%w: %v", dispatch.ErrInternal, err))
			return
		}
		base = u.String()
	} else {
		base = pb.Target
	}

	target := strings.TrimSuffix(base, "/") + r.URL.RequestURI()
	e.forward(w, r, route, target, pb.Timeout)
}

// ServeForward proxies to the absolute URL carried in the request target.
// Routes matched here but not switched on fall back to their custom page.
func (e *Engine) ServeForward(w http.ResponseWriter, r *http.Request, route *config.Route) {
	fb := route.Behavior.Forward
	if fb == nil || !fb.Enabled {
		e.Static.ServeCustomPage(w, r, route)
		return
	}

	target := forwardTarget(r)
	if _, err := url.Parse(target); err != nil {
		dispatch.WriteError(w, e.Log, fmt.Errorf("%w: forward target %q: %v", dispatch.ErrBadRequest, target, err))
		return
	}
	e.forward(w, r, route, target, fb.Timeout)
}

// forwardTarget extracts the absolute target from the request. Proxy-style
// requests carry a full URL; origin-form paths get http:// prepended.
func forwardTarget(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	pq := strings.TrimPrefix(r.URL.RequestURI(), "/")
	if strings.HasPrefix(pq, "http://") || strings.HasPrefix(pq, "https://") {
		return pq
	}
	return "http://" + pq
}

// forward performs the exchange: capped body buffering, end-to-end header
// copy both ways, per-route timeout, streamed response.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, route *config.Route, target string, timeout time.Duration) {
	maxBody := route.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = config.DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		dispatch.WriteError(w, e.Log, fmt.Errorf("%w: read request body: %v", dispatch.ErrBadRequest, err))
		return
	}
	if int64(len(body)) > maxBody {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}

	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	up, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		dispatch.WriteError(w, e.Log, fmt.Errorf("%w: build upstream request for %q: %v", dispatch.ErrBadRequest, target, err))
		return
	}
	copyEndToEnd(up.Header, r.Header)

	res, err := e.Transport.RoundTrip(up)
	if err != nil {
		// Connection and timeout failures are a client-visible BadRequest;
		// the backend is never retried here.
		dispatch.WriteError(w, e.Log, fmt.Errorf("%w: upstream %s: %v", dispatch.ErrBadRequest, target, err))
		return
	}
	defer func() {
		if err := res.Body.Close(); err != nil && e.Log != nil {
			e.Log.Debugw("close upstream body", "error", err)
		}
	}()

	copyEndToEnd(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil && e.Log != nil {
		e.Log.Debugw("stream upstream body", "target", target, "error", err)
	}
}

// ServeRedirect answers with the route's configured redirect and no body.
func ServeRedirect(w http.ResponseWriter, route *config.Route, log *zap.SugaredLogger) {
	rb := route.Behavior.Redirect
	if rb == nil || rb.To == "" {
		// unreachable given load-time mutual exclusion, kept as a guard
		dispatch.WriteError(w, log, fmt.Errorf("%w: route %s has no redirect target", dispatch.ErrInternal, route.Location))
		return
	}
	w.Header().Set("Location", rb.To)
	w.WriteHeader(rb.Code)
}
