// Package compress negotiates and applies response compression for
// in-memory bodies.
package compress

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Encoding is a negotiated content coding; the value doubles as the
// Content-Encoding header token.
type Encoding string

const (
	None    Encoding = ""
	Zstd    Encoding = "zstd"
	Gzip    Encoding = "gzip"
	Deflate Encoding = "deflate"
	Brotli  Encoding = "br"
)

// Negotiate picks a coding from an Accept-Encoding value. Codings are
// checked by substring in fixed preference order: zstd, gzip, deflate,
// brotli.
func Negotiate(acceptEncoding string) Encoding {
	switch {
	case strings.Contains(acceptEncoding, "zstd"):
		return Zstd
	case strings.Contains(acceptEncoding, "gzip"):
		return Gzip
	case strings.Contains(acceptEncoding, "deflate"):
		return Deflate
	case strings.Contains(acceptEncoding, "br"):
		return Brotli
	}
	return None
}

// Encode compresses data with the given coding. None returns data as-is.
func Encode(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case None:
		return data, nil
	case Zstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		out := w.EncodeAll(data, nil)
		_ = w.Close()
		return out, nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case Deflate:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return buf.Bytes(), nil
	case Brotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("brotli: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown encoding %q", enc)
}
