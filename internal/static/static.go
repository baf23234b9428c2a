// Package static serves files under a route's root with index fallback,
// conditional GET via weak ETags, and negotiated response compression.
package static

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/compress"
	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/dispatch"
)

// notFoundPage is the built-in body for routes without a custom page.
const notFoundPage = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta
      name="viewport"
      content="width=device-width, user-scalable=no, initial-scale=1.0, maximum-scale=1.0, minimum-scale=1.0"
    />
    <meta http-equiv="X-UA-Compatible" content="ie=edge" />
    <title>Not found</title>
  </head>
  <body>
    <h1>404</h1>
    <p>Content not found.</p>
  </body>
</html>
`

var defaultIndex = []string{"index.html"}

// Responder serves a route's static assets.
type Responder struct {
	// MIMETypes extends the built-in extension table.
	MIMETypes map[string]string
	Log       *zap.SugaredLogger
}

// Serve handles a request matched to a static route. rest is the request
// path remainder past the route's location.
func (s *Responder) Serve(w http.ResponseWriter, r *http.Request, route *config.Route, rest string) {
	sb := route.Behavior.Static
	if sb == nil {
		dispatch.WriteError(w, s.Log, fmt.Errorf("%w: route %s has no static root", dispatch.ErrInternal, route.Location))
		return
	}

	path, err := s.lookup(sb, rest)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			s.ServeCustomPage(w, r, route)
			return
		}
		dispatch.WriteError(w, s.Log, err)
		return
	}
	s.serveFile(w, r, path, 0)
}

// lookup resolves the on-disk path for rest under the behavior's root. A
// segment with a dot is a direct file reference; anything else is treated
// as a directory and probed against the index list.
func (s *Responder) lookup(sb *config.StaticBehavior, rest string) (string, error) {
	// keep lookups inside the root
	for _, seg := range strings.Split(rest, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", dispatch.ErrNotFound, rest)
		}
	}
	if strings.Contains(rest, ".") {
		path := filepath.Join(sb.Root, filepath.FromSlash(rest))
		if err := statFile(path); err != nil {
			return "", err
		}
		return path, nil
	}
	indexes := sb.Index
	if len(indexes) == 0 {
		indexes = defaultIndex
	}
	for _, index := range indexes {
		path := filepath.Join(sb.Root, filepath.FromSlash(rest), index)
		err := statFile(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, dispatch.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no index under %s", dispatch.ErrNotFound, filepath.Join(sb.Root, rest))
}

// ServeCustomPage answers with the route's configured error page, or the
// built-in 404 body when none is configured. Shared by the static and proxy
// paths so both serve the exact same fallback, ETag included.
func (s *Responder) ServeCustomPage(w http.ResponseWriter, r *http.Request, route *config.Route) {
	page := route.ErrorPage
	if page == nil {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(notFoundPage))
		return
	}
	root := ""
	if route.Behavior.Static != nil {
		root = route.Behavior.Static.Root
	}
	path := filepath.Join(root, filepath.FromSlash(page.Page))
	if err := statFile(path); err != nil {
		if s.Log != nil {
			s.Log.Errorw("custom error page unavailable", "page", path, "error", err)
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(notFoundPage))
		return
	}
	s.serveFile(w, r, path, page.Status)
}

// serveFile emits the file with conditional-GET support. status 0 means 200.
func (s *Responder) serveFile(w http.ResponseWriter, r *http.Request, path string, status int) {
	info, err := os.Stat(path)
	if err != nil {
		dispatch.WriteError(w, s.Log, fmt.Errorf("%w: stat %s: %v", dispatch.ErrInternal, path, err))
		return
	}

	etag := ETag(path, info)
	w.Header().Set("Content-Type", s.ContentType(path))
	w.Header().Set("ETag", etag)

	// Conditional GET short-circuits before any compression applies.
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		dispatch.WriteError(w, s.Log, fmt.Errorf("%w: read %s: %v", dispatch.ErrInternal, path, err))
		return
	}

	if enc := compress.Negotiate(r.Header.Get("Accept-Encoding")); enc != compress.None {
		compressed, err := compress.Encode(enc, data)
		if err != nil {
			if s.Log != nil {
				s.Log.Errorw("compression failed, sending identity", "encoding", enc, "error", err)
			}
		} else {
			data = compressed
			w.Header().Set("Content-Encoding", string(enc))
			w.Header().Add("Vary", "Accept-Encoding")
		}
	}

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// statFile maps filesystem results onto the error taxonomy: a missing or
// non-regular file is NotFound, anything else is an internal error.
func statFile(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", dispatch.ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", dispatch.ErrInternal, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", dispatch.ErrNotFound, path)
	}
	return nil
}
