// Package dispatch resolves a request's (port, domain) pair to a virtual
// host and its path to a route. Resolution is a pure function of the
// registry table and request metadata: no I/O, no locking beyond the
// table's own read path, safe to call on every request.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/registry"
)

// Match is a fully resolved dispatch: the owning host, the route, and the
// request path remainder after the route's location prefix.
type Match struct {
	Host  *config.Host
	Route *config.Route
	// Rest is the wildcard capture: the request path with the route's
	// location trimmed from the front. Empty when the path named the
	// location itself.
	Rest string
}

// SplitHost breaks a Host header value into (lowercased domain, port),
// defaulting the port from the scheme when the port segment is absent or
// unparseable: 443 for https, 80 otherwise.
func SplitHost(hostHeader, scheme string) (string, uint16) {
	domain, portStr, found := strings.Cut(hostHeader, ":")
	port := uint16(80)
	if scheme == "https" {
		port = 443
	}
	if found {
		if n, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			port = uint16(n)
		}
	}
	return strings.ToLower(domain), port
}

// ResolveHost finds the virtual host answering for hostHeader on the
// resolved port. Matching order: exact lowercased domain, then a
// case-insensitive scan over the port's registered domains, then the
// port's default host. No match is a BadRequest.
func ResolveHost(tbl *registry.Table, hostHeader, scheme string) (*config.Host, error) {
	domain, port := SplitHost(hostHeader, scheme)

	byDomain := tbl.HostsByPort(port)
	if byDomain == nil {
		return nil, fmt.Errorf("%w: no hosts on port %d", ErrBadRequest, port)
	}
	if h, ok := byDomain[domain]; ok {
		return h, nil
	}
	for name, h := range byDomain {
		if name != "" && strings.EqualFold(name, domain) {
			return h, nil
		}
	}
	if h, ok := byDomain[""]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: no host for %q on port %d", ErrBadRequest, domain, port)
}

// ParentPath derives the route-table lookup key. With a wildcard capture the
// key is the path with the capture trimmed from the end; without one the
// path is coerced to end in "/" so it lines up with normalized locations.
func ParentPath(path, capture string) string {
	if capture != "" && strings.HasSuffix(path, capture) {
		return path[:len(path)-len(capture)]
	}
	if !strings.HasSuffix(path, "/") {
		return path + "/"
	}
	return path
}

// ResolveRoute matches path against the host's locations, longest first, and
// returns the route together with the capture past the location prefix.
func ResolveRoute(h *config.Host, path string) (*config.Route, string, error) {
	for _, loc := range h.Locations {
		switch {
		case strings.HasPrefix(path, loc):
			capture := path[len(loc):]
			return h.RouteMap[ParentPath(path, capture)], capture, nil
		case path+"/" == loc:
			// "/docs" names the "/docs/" location itself.
			return h.RouteMap[ParentPath(path, "")], "", nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrRouteNotFound, path)
}

// Resolve runs the full dispatch: host then route.
func Resolve(tbl *registry.Table, hostHeader, scheme, path string) (*Match, error) {
	host, err := ResolveHost(tbl, hostHeader, scheme)
	if err != nil {
		return nil, err
	}
	route, rest, err := ResolveRoute(host, path)
	if err != nil {
		return nil, err
	}
	return &Match{Host: host, Route: route, Rest: rest}, nil
}
