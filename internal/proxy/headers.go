package proxy

import (
	"net/http"
	"strings"
)

// Headers meaningful only to the immediate connection. Never forwarded in
// either direction across the proxy boundary.
var hopByHop = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"proxy-authenticate":  {},
	"upgrade":             {},
	"proxy-authorization": {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"te":                  {},
}

// IsHopByHop reports whether name must be stripped when crossing the proxy.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(name)]
	return ok
}

// copyEndToEnd copies src into dst, dropping the hop-by-hop set.
func copyEndToEnd(dst, src http.Header) {
	for name, values := range src {
		if IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
