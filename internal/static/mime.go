package static

import (
	"path/filepath"
	"strings"
)

// https://developer.mozilla.org/en-US/docs/Web/HTTP/Basics_of_HTTP/MIME_types/Common_types
var defaultMIMETypes = map[string]string{
	".html":  "text/html",
	".htm":   "text/html",
	".css":   "text/css",
	".js":    "text/javascript",
	".mjs":   "text/javascript",
	".txt":   "text/plain",
	".xml":   "text/xml",
	".csv":   "text/csv",
	".json":  "application/json",
	".wasm":  "application/wasm",
	".pdf":   "application/pdf",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".png":   "image/png",
	".ico":   "image/x-icon",
	".bmp":   "image/bmp",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
}

const fallbackMIMEType = "application/octet-stream"

// ContentType derives a MIME type from the file extension, consulting the
// configured overrides first.
func (s *Responder) ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if s != nil && s.MIMETypes != nil {
		if mt, ok := s.MIMETypes[ext]; ok {
			return mt
		}
		// allow "html" as well as ".html" in the config table
		if mt, ok := s.MIMETypes[strings.TrimPrefix(ext, ".")]; ok {
			return mt
		}
	}
	if mt, ok := defaultMIMETypes[ext]; ok {
		return mt
	}
	return fallbackMIMEType
}
