// Package guard screens inbound requests for script injection, scanning
// tools and missing client headers before any I/O is spent on them.
package guard

import (
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/metrics"
	"github.com/wudi/gatekeeper/internal/variables"
)

// Priority of the guard in the inbound pipeline.
const Priority = 100

// Reason classifies a rejection.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonMaliciousHeader Reason = "MALICIOUS_HEADER"
	ReasonXSS             Reason = "XSS_DETECTED"
	ReasonMaliciousClient Reason = "MALICIOUS_CLIENT"
	ReasonBadRequest      Reason = "BAD_REQUEST"
)

// Required client headers.
const (
	HeaderClientID         = "X-Client-Id"
	HeaderRequestSource    = "X-Request-Source"
	HeaderAPIVersion       = "X-Api-Version"
	HeaderRequestTimestamp = "X-Request-Timestamp"
)

var (
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\s*/?\s*script\b`),
		regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`),
		regexp.MustCompile(`(?i)["'\s]on[a-z]+\s*=\s*["']?[^"'\s]*\(`),
		regexp.MustCompile(`(?i)\b(?:javascript|vbscript)\s*:`),
		regexp.MustCompile(`(?i)\bdata\s*:\s*text/html`),
		regexp.MustCompile(`(?i)<\s*(?:iframe|object|embed)\b`),
	}

	clientIDPattern   = regexp.MustCompile(`^[A-Za-z0-9]{8,32}$`)
	apiVersionPattern = regexp.MustCompile(`^v\d+\.\d+$`)
)

// Verdict is the outcome of screening. Detail is for logs only.
type Verdict struct {
	Reason Reason
	Detail string
}

// Passed reports whether the request may continue.
func (v Verdict) Passed() bool {
	return v.Reason == ReasonNone
}

// Guard is the request screen.
type Guard struct {
	requireHeaders bool
	sources        map[string]struct{}
	versions       map[string]struct{}
	maxSkew        time.Duration
	scanners       []string
	skipPaths      []string
	now            func() time.Time
	metrics        *metrics.Collector
	rejected       atomic.Int64
}

// New creates a guard from configuration.
func New(cfg config.GuardConfig, m *metrics.Collector) *Guard {
	g := &Guard{
		requireHeaders: cfg.RequireHeaders,
		sources:        toSet(cfg.RequestSources),
		versions:       toSet(cfg.APIVersions),
		maxSkew:        cfg.MaxClockSkew,
		skipPaths:      slices.Clone(cfg.SkipPaths),
		now:            time.Now,
		metrics:        m,
	}
	if g.maxSkew <= 0 {
		g.maxSkew = 10 * time.Minute
	}
	for _, s := range cfg.ScannerAgents {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			g.scanners = append(g.scanners, s)
		}
	}
	return g
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Screen runs the checks in order and returns the first failure.
func (g *Guard) Screen(req *variables.InboundRequest) Verdict {
	if req.Method == http.MethodOptions {
		return Verdict{}
	}

	for name, values := range req.Header {
		for _, v := range values {
			if containsInjection(v) {
				return Verdict{Reason: ReasonMaliciousHeader, Detail: name}
			}
		}
	}

	if req.RawQuery != "" {
		if containsInjection(req.RawQuery) {
			return Verdict{Reason: ReasonXSS, Detail: "query"}
		}
		if decoded, err := url.QueryUnescape(req.RawQuery); err == nil && decoded != req.RawQuery && containsInjection(decoded) {
			return Verdict{Reason: ReasonXSS, Detail: "decoded query"}
		}
	}

	ua := strings.TrimSpace(req.Header.Get("User-Agent"))
	if ua == "" {
		return Verdict{Reason: ReasonMaliciousClient, Detail: "missing user agent"}
	}
	lower := strings.ToLower(ua)
	for _, s := range g.scanners {
		if strings.Contains(lower, s) {
			return Verdict{Reason: ReasonMaliciousClient, Detail: s}
		}
	}

	if g.requireHeaders && !g.skipped(req.Path) {
		if detail := g.checkRequiredHeaders(req.Header); detail != "" {
			return Verdict{Reason: ReasonBadRequest, Detail: detail}
		}
	}
	return Verdict{}
}

func containsInjection(s string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (g *Guard) skipped(path string) bool {
	for _, p := range g.skipPaths {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

func (g *Guard) checkRequiredHeaders(h http.Header) string {
	if !clientIDPattern.MatchString(h.Get(HeaderClientID)) {
		return "invalid " + HeaderClientID
	}
	if _, ok := g.sources[h.Get(HeaderRequestSource)]; !ok {
		return "invalid " + HeaderRequestSource
	}
	version := h.Get(HeaderAPIVersion)
	if !apiVersionPattern.MatchString(version) {
		return "malformed " + HeaderAPIVersion
	}
	if _, ok := g.versions[version]; !ok {
		return "unsupported " + HeaderAPIVersion
	}
	if !g.timestampValid(h.Get(HeaderRequestTimestamp)) {
		return "invalid " + HeaderRequestTimestamp
	}
	return ""
}

// timestampValid accepts epoch seconds (10 digits) or milliseconds (13
// digits) within the allowed skew of the server clock.
func (g *Guard) timestampValid(raw string) bool {
	if len(raw) != 10 && len(raw) != 13 {
		return false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return false
	}
	var ts time.Time
	if len(raw) == 13 {
		ts = time.UnixMilli(n)
	} else {
		ts = time.Unix(n, 0)
	}
	skew := g.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	return skew <= g.maxSkew
}

// Rejected returns the number of rejected requests.
func (g *Guard) Rejected() int64 {
	return g.rejected.Load()
}

// Name implements middleware.Filter.
func (g *Guard) Name() string { return "guard" }

// Priority implements middleware.Filter.
func (g *Guard) Priority() int { return Priority }

// Apply implements middleware.Filter. Rejections carry a generic message.
func (g *Guard) Apply(r *http.Request) (*http.Request, *errors.GatewayError) {
	r, vc := variables.Attach(r)
	verdict := g.Screen(vc.Inbound)
	if verdict.Passed() {
		return r, nil
	}

	g.rejected.Add(1)
	g.metrics.RecordRejection(g.Name(), string(verdict.Reason))
	variables.Logger(r.Context()).Warn("request rejected by guard",
		zap.String("reason", string(verdict.Reason)),
		zap.String("detail", verdict.Detail),
		zap.String("method", vc.Inbound.Method),
		zap.String("path", vc.Inbound.Path),
	)

	if verdict.Reason == ReasonBadRequest {
		return r, errors.ErrBadRequest
	}
	return r, errors.ErrForbidden
}
