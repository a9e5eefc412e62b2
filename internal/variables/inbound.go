package variables

import (
	"net"
	"net/http"
	"strings"
)

// InboundRequest is an immutable view of the request as it arrived, before
// any filter rewrote headers.
type InboundRequest struct {
	Method     string
	Path       string
	Header     http.Header
	RawQuery   string
	RemoteAddr string
	ClientIP   string
}

// Snapshot copies the parts of r the filters inspect.
func Snapshot(r *http.Request) *InboundRequest {
	return &InboundRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Header:     r.Header.Clone(),
		RawQuery:   r.URL.RawQuery,
		RemoteAddr: r.RemoteAddr,
		ClientIP:   ExtractClientIP(r),
	}
}

// ExtractClientIP extracts the real client IP from headers or RemoteAddr
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
