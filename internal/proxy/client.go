package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxRedirects bounds how many 301/302 hops Client will chase.
const MaxRedirects = 10

// Client is a standalone helper for fetching a URL while following
// permanent and temporary redirects, up to MaxRedirects hops.
type Client struct {
	Transport http.RoundTripper
	Timeout   time.Duration
}

// NewClient returns a Client over the default pooled transport.
func NewClient() *Client {
	return &Client{Transport: NewTransport(DefaultOptions())}
}

// Get fetches url, re-issuing the request against the Location header on
// each 301/302. A chain longer than MaxRedirects, or a redirect without a
// Location, is an error. The caller owns the returned body; its deadline
// stays live until the body is closed.
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %q: %w", url, err)
	}
	cancel := context.CancelFunc(func() {})
	if c.Timeout > 0 {
		var ctx context.Context
		ctx, cancel = context.WithTimeout(req.Context(), c.Timeout)
		req = req.WithContext(ctx)
	}

	follows := 0
	for {
		res, err := c.Transport.RoundTrip(req)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
		if res.StatusCode != http.StatusMovedPermanently && res.StatusCode != http.StatusFound {
			// The caller still has to read the body, so the context must
			// outlive Get; closing the body releases it.
			res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
			return res, nil
		}

		loc := res.Header.Get("Location")
		_ = res.Body.Close()
		if loc == "" {
			cancel()
			return nil, fmt.Errorf("redirect from %s carries no Location", req.URL)
		}
		if follows == MaxRedirects {
			cancel()
			return nil, fmt.Errorf("stopped after %d redirects (next: %s)", MaxRedirects, loc)
		}
		follows++

		next, err := req.URL.Parse(loc)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("resolve redirect %q: %w", loc, err)
		}
		redirected, err := http.NewRequestWithContext(req.Context(), http.MethodGet, next.String(), nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build redirect request: %w", err)
		}
		req = redirected
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
