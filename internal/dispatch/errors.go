package dispatch

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// The four failure classes every handler collapses into. Full detail is
// logged server-side; clients only ever see the mapped status line.
var (
	// ErrBadRequest covers unresolvable host/port/domain, malformed proxy
	// targets and backend connection or timeout failures.
	ErrBadRequest = errors.New("bad request")
	// ErrRouteNotFound means no route matched the resolved parent path.
	ErrRouteNotFound = errors.New("route not found")
	// ErrNotFound means a static asset is absent; a route's custom page may
	// mask it before it reaches the client.
	ErrNotFound = errors.New("not found")
	// ErrInternal covers handler invariant violations and response build
	// failures.
	ErrInternal = errors.New("internal error")
)

// StatusFor maps a taxonomy error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrRouteNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteError logs err with full detail and sends the minimal mapped
// response. Nothing from err's text reaches the client.
func WriteError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	status := StatusFor(err)
	if log != nil {
		if status == http.StatusInternalServerError {
			log.Errorw("request failed", "status", status, "error", err)
		} else {
			log.Debugw("request rejected", "status", status, "error", err)
		}
	}
	http.Error(w, http.StatusText(status), status)
}
