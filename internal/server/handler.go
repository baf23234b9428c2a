// Package server turns a loaded configuration into running listeners. Each
// listen address gets one http.Server whose handler dispatches by Host
// header and path, then hands the request to the route's behavior.
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/dispatch"
	"github.com/porticoproxy/portico/internal/metrics"
	"github.com/porticoproxy/portico/internal/proxy"
	"github.com/porticoproxy/portico/internal/ratelimit"
	"github.com/porticoproxy/portico/internal/registry"
	"github.com/porticoproxy/portico/internal/static"
	"github.com/porticoproxy/portico/internal/version"
)

// ScriptRunner executes script routes. The binary ships without one; wiring
// an implementation in is the embedder's job.
type ScriptRunner interface {
	Run(w http.ResponseWriter, r *http.Request, route *config.Route, rest string) error
}

// Handler serves every virtual host bound to one listen address.
type Handler struct {
	Table   *registry.Table
	Engine  *proxy.Engine
	Static  *static.Responder
	Limiter *ratelimit.Limiter
	Metrics *metrics.Registry
	Scripts ScriptRunner
	Log     *zap.SugaredLogger

	// Scheme is "https" for TLS listeners, "http" otherwise. It picks the
	// default port when the Host header carries none.
	Scheme string
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	lw.Header().Set("Server", version.Name+"/"+version.Value)
	lw.Header().Set("Portico-Version", version.Value)

	var hostName, routeName string
	defer func() {
		if rec := recover(); rec != nil {
			if h.Log != nil {
				h.Log.Errorw("panic serving request", "panic", rec, "method", r.Method, "path", r.URL.Path)
			}
			if lw.statusCode == 0 {
				http.Error(lw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}

		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		if h.Log != nil {
			h.Log.Infow("request",
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"bytes", lw.bytes,
				"remote", r.RemoteAddr,
			)
		}
		if h.Metrics != nil {
			h.Metrics.IncRequest(hostName, routeName, r.Method, strconv.Itoa(status))
			h.Metrics.ObserveLatency(hostName, routeName, duration)
		}
	}()

	m, err := dispatch.Resolve(h.Table, r.Host, h.Scheme, r.URL.Path)
	if err != nil {
		dispatch.WriteError(lw, h.Log, err)
		return
	}
	hostName = m.Host.ServerName
	if hostName == "" {
		hostName = "default"
	}
	routeName = m.Route.Location

	if rl := m.Route.RateLimit; rl != nil && h.Limiter != nil {
		key := fmt.Sprintf("%s:%d%s", m.Host.ServerName, m.Host.Port, m.Route.Location)
		if !h.Limiter.Allow(key, rl.RequestsPerSecond, rl.Burst) {
			http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
	}

	for k, v := range m.Route.Headers {
		lw.Header().Set(k, v)
	}

	switch m.Route.Behavior.Kind {
	case config.BehaviorStatic:
		h.Static.Serve(lw, r, m.Route, m.Rest)
	case config.BehaviorReverseProxy:
		h.Engine.ServeReverse(lw, r, m.Route)
	case config.BehaviorForwardProxy:
		h.Engine.ServeForward(lw, r, m.Route)
	case config.BehaviorRedirect:
		proxy.ServeRedirect(lw, m.Route, h.Log)
	case config.BehaviorScript:
		if h.Scripts == nil {
			dispatch.WriteError(lw, h.Log, fmt.Errorf("%w: no script runner registered", dispatch.ErrInternal))
			return
		}
		if err := h.Scripts.Run(lw, r, m.Route, m.Rest); err != nil {
			dispatch.WriteError(lw, h.Log, err)
		}
	default:
		dispatch.WriteError(lw, h.Log, fmt.Errorf("%w: unhandled behavior %s", dispatch.ErrInternal, m.Route.Behavior.Kind))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	if lw.statusCode == 0 {
		lw.statusCode = code
	}
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.statusCode == 0 {
		lw.statusCode = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.bytes += int64(n)
	return n, err
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
