// Package gray decides whether a caller takes part in a gray release.
package gray

import (
	"net"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/gatekeeper/internal/config"
)

// Context is the per-request gray decision handed to instance selection.
type Context struct {
	Eligible bool
	UserID   string
	ClientIP string
}

// Policy evaluates gray eligibility from user and IP lists and a traffic ratio.
type Policy struct {
	enabled       bool
	ratio         uint64
	userWhitelist map[string]struct{}
	userBlacklist map[string]struct{}
	ipWhitelist   *ipSet
	ipBlacklist   *ipSet
}

// NewPolicy builds a policy. The ratio is clamped to [0, 100].
func NewPolicy(cfg config.GrayConfig) *Policy {
	ratio := cfg.TrafficRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 100 {
		ratio = 100
	}
	return &Policy{
		enabled:       cfg.Enabled,
		ratio:         uint64(ratio),
		userWhitelist: toSet(cfg.UserWhitelist),
		userBlacklist: toSet(cfg.UserBlacklist),
		ipWhitelist:   newIPSet(cfg.IPWhitelist),
		ipBlacklist:   newIPSet(cfg.IPBlacklist),
	}
}

// Enabled reports whether gray release is switched on.
func (p *Policy) Enabled() bool {
	return p != nil && p.enabled
}

// Evaluate decides eligibility. Blacklists win over whitelists; everyone
// else is bucketed by a stable hash of the user id, or the IP for anonymous
// callers.
func (p *Policy) Evaluate(userID, clientIP string) bool {
	if !p.Enabled() {
		return false
	}
	if _, ok := p.userBlacklist[userID]; ok && userID != "" {
		return false
	}
	if p.ipBlacklist.contains(clientIP) {
		return false
	}
	if _, ok := p.userWhitelist[userID]; ok && userID != "" {
		return true
	}
	if p.ipWhitelist.contains(clientIP) {
		return true
	}

	key := userID
	if key == "" {
		key = clientIP
	}
	if key == "" || p.ratio == 0 {
		return false
	}
	return Bucket(key) < p.ratio
}

// Context evaluates and packages the decision.
func (p *Policy) Context(userID, clientIP string) Context {
	return Context{
		Eligible: p.Evaluate(userID, clientIP),
		UserID:   userID,
		ClientIP: clientIP,
	}
}

// Bucket maps key onto [0, 100).
func Bucket(key string) uint64 {
	return xxhash.Sum64String(key) % 100
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// ipSet matches single addresses and CIDR ranges.
type ipSet struct {
	addrs map[string]struct{}
	nets  []*net.IPNet
}

func newIPSet(entries []string) *ipSet {
	s := &ipSet{addrs: make(map[string]struct{})}
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e); err == nil {
			s.nets = append(s.nets, n)
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			s.addrs[ip.String()] = struct{}{}
		}
	}
	return s
}

func (s *ipSet) contains(raw string) bool {
	if s == nil || raw == "" {
		return false
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return false
	}
	if _, ok := s.addrs[ip.String()]; ok {
		return true
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
