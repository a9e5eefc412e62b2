// Package realip resolves the client address behind trusted reverse proxies.
package realip

import (
	"net"
	"net/http"
	"strings"

	"github.com/wudi/gatekeeper/internal/variables"
)

// Resolver picks the client IP from forwarding headers, believing them only
// when the peer is a trusted proxy.
type Resolver struct {
	trusted []*net.IPNet
	headers []string // checked in order
	maxHops int      // 0 = unlimited
}

// New builds a resolver from trusted proxy CIDRs or bare IPs. With no
// trusted proxies the first X-Forwarded-For entry is taken as-is.
func New(cidrs []string, headers []string, maxHops int) (*Resolver, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}
	return &Resolver{trusted: nets, headers: headers, maxHops: maxHops}, nil
}

// ClientIP returns the address the request originated from.
func (res *Resolver) ClientIP(r *http.Request) string {
	peer := hostOf(r.RemoteAddr)
	if len(res.trusted) == 0 {
		return variables.ExtractClientIP(r)
	}
	if !res.isTrusted(peer) {
		return peer
	}

	for _, name := range res.headers {
		val := r.Header.Get(name)
		if val == "" {
			continue
		}
		if strings.EqualFold(name, "X-Forwarded-For") {
			if ip := res.walk(val); ip != "" {
				return ip
			}
			continue
		}
		if ip := strings.TrimSpace(val); ip != "" {
			return ip
		}
	}
	return peer
}

// walk scans the forwarding chain right to left and returns the first hop
// that is not a trusted proxy. If every hop is trusted the leftmost wins.
func (res *Resolver) walk(chain string) string {
	parts := strings.Split(chain, ",")
	hops := 0
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		hops++
		if res.maxHops > 0 && hops > res.maxHops {
			return ip
		}
		if !res.isTrusted(ip) {
			return ip
		}
	}
	return strings.TrimSpace(parts[0])
}

func (res *Resolver) isTrusted(raw string) bool {
	ip := net.ParseIP(raw)
	if ip == nil {
		return false
	}
	for _, n := range res.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware overwrites the client IP recorded in the request's variable
// context, so every later filter sees the resolved address.
func (res *Resolver) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, vc := variables.Attach(r)
			ip := res.ClientIP(r)
			vc.ClientIP = ip
			vc.Inbound.ClientIP = ip
			next.ServeHTTP(w, r)
		})
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
