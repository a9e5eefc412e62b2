// Package accessgate denies requests whose client IP, user or path is
// blacklisted, combining static configuration with cache entries written by
// an administrative path.
package accessgate

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/gatekeeper/internal/cache"
	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/metrics"
	"github.com/wudi/gatekeeper/internal/variables"
	"github.com/wudi/gatekeeper/internal/workerpool"
)

// Priority of the gate in the inbound pipeline.
const Priority = 200

// Cache key layout shared with the administrative writers.
const (
	KeyPrefix            = "blacklist:"
	ipKeyPrefix          = "blacklist:ip:"
	userKeyPrefix        = "blacklist:user:"
	pathExactKeyPrefix   = "blacklist:path:exact:"
	pathPatternKeyPrefix = "blacklist:path:pattern:"
)

func KeyIP(ip string) string          { return ipKeyPrefix + ip }
func KeyUser(userID string) string    { return userKeyPrefix + userID }
func KeyPathExact(path string) string { return pathExactKeyPrefix + path }
func KeyPathPattern(id string) string { return pathPatternKeyPrefix + id }

// Gate evaluates the three blacklist dimensions. A request is blocked when
// any enabled dimension matches.
type Gate struct {
	store cache.Store
	pool  *workerpool.Pool

	ipEnabled   bool
	userEnabled bool
	pathEnabled bool

	staticIPs   map[string]struct{}
	staticPaths []string
	defaultTTL  time.Duration

	errLog  *rate.Limiter
	metrics *metrics.Collector
}

// New creates a gate. Static IPs are normalized so textual variants of the
// same address match.
func New(cfg config.AccessGateConfig, store cache.Store, pool *workerpool.Pool, m *metrics.Collector) *Gate {
	interval := cfg.ErrorLogInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	g := &Gate{
		store:       store,
		pool:        pool,
		ipEnabled:   cfg.IPEnabled,
		userEnabled: cfg.UserEnabled,
		pathEnabled: cfg.PathEnabled,
		staticIPs:   make(map[string]struct{}, len(cfg.StaticIPs)),
		staticPaths: append([]string(nil), cfg.StaticPaths...),
		defaultTTL:  cfg.DefaultTTL,
		errLog:      rate.NewLimiter(rate.Every(interval), 1),
		metrics:     m,
	}
	if g.defaultTTL <= 0 {
		g.defaultTTL = 24 * time.Hour
	}
	for _, ip := range cfg.StaticIPs {
		g.staticIPs[normalizeIP(ip)] = struct{}{}
	}
	return g
}

func normalizeIP(ip string) string {
	if parsed := net.ParseIP(strings.TrimSpace(ip)); parsed != nil {
		return parsed.String()
	}
	return strings.TrimSpace(ip)
}

// IsBlocked reports whether any enabled dimension blacklists the caller.
// Cache failures never block: the failing dimension counts as a miss.
func (g *Gate) IsBlocked(ctx context.Context, ip, userID, path string) bool {
	blocked, _ := g.evaluate(ctx, ip, userID, path)
	return blocked
}

// evaluate returns the verdict and the first matching dimension.
func (g *Gate) evaluate(ctx context.Context, ip, userID, path string) (bool, string) {
	ctx, span := otel.Tracer("gatekeeper/accessgate").Start(ctx, "accessgate.check")
	defer span.End()

	blocked, dim := g.check(ctx, ip, userID, path)
	span.SetAttributes(attribute.Bool("accessgate.blocked", blocked))
	if blocked {
		span.SetAttributes(attribute.String("accessgate.dimension", dim))
	}
	return blocked, dim
}

func (g *Gate) check(ctx context.Context, ip, userID, path string) (bool, string) {
	if g.ipEnabled && ip != "" && g.ipBlocked(ctx, ip) {
		return true, "ip"
	}
	if g.userEnabled && userID != "" && g.userBlocked(ctx, userID) {
		return true, "user"
	}
	if g.pathEnabled && path != "" && g.pathBlocked(ctx, path) {
		return true, "path"
	}
	return false, ""
}

func (g *Gate) ipBlocked(ctx context.Context, ip string) bool {
	ip = normalizeIP(ip)
	if _, ok := g.staticIPs[ip]; ok {
		return true
	}
	found, err := g.exists(ctx, KeyIP(ip))
	if err != nil {
		g.failOpen("ip", err)
		return false
	}
	return found
}

func (g *Gate) userBlocked(ctx context.Context, userID string) bool {
	found, err := g.exists(ctx, KeyUser(userID))
	if err != nil {
		g.failOpen("user", err)
		return false
	}
	return found
}

func (g *Gate) pathBlocked(ctx context.Context, path string) bool {
	for _, p := range g.staticPaths {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}

	found, err := g.exists(ctx, KeyPathExact(path))
	if err != nil {
		g.failOpen("path", err)
		return false
	}
	if found {
		return true
	}

	patterns, err := g.patterns(ctx)
	if err != nil {
		g.failOpen("path", err)
		return false
	}
	for key, pattern := range patterns {
		ok, err := doublestar.Match(pattern, path)
		if err != nil {
			logging.Debug("ignoring malformed blacklist pattern", zap.String("key", key), zap.String("pattern", pattern))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (g *Gate) exists(ctx context.Context, key string) (bool, error) {
	fn := func(ctx context.Context) (bool, error) {
		return g.store.Exists(ctx, key)
	}
	if g.pool == nil {
		return fn(ctx)
	}
	return workerpool.Do(ctx, g.pool, fn)
}

// patterns returns every dynamic path pattern keyed by its cache key.
func (g *Gate) patterns(ctx context.Context) (map[string]string, error) {
	fn := func(ctx context.Context) (map[string]string, error) {
		keys, err := g.store.Scan(ctx, pathPatternKeyPrefix)
		if err != nil || len(keys) == 0 {
			return nil, err
		}
		values, err := g.store.GetMany(ctx, keys)
		if err != nil {
			return nil, err
		}
		out := make(map[string]string, len(values))
		for k, v := range values {
			out[k] = string(v)
		}
		return out, nil
	}
	if g.pool == nil {
		return fn(ctx)
	}
	return workerpool.Do(ctx, g.pool, fn)
}

func (g *Gate) failOpen(dimension string, err error) {
	g.metrics.RecordFailOpen(dimension)
	if g.errLog.Allow() {
		logging.Error("blacklist lookup failed, allowing request",
			zap.String("dimension", dimension),
			zap.Error(err),
		)
	}
}

// PeekSubject returns the unverified sub claim of a bearer token, or "".
// The token's signature is checked later by the token resolver.
func PeekSubject(authorization string) string {
	token := strings.TrimSpace(authorization)
	if strings.EqualFold(token, "bearer") {
		return ""
	}
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return ""
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return strings.TrimSpace(claims.Subject)
}

// Name implements middleware.Filter.
func (g *Gate) Name() string { return "accessgate" }

// Priority implements middleware.Filter.
func (g *Gate) Priority() int { return Priority }

// Apply implements middleware.Filter.
func (g *Gate) Apply(r *http.Request) (*http.Request, *errors.GatewayError) {
	r, vc := variables.Attach(r)
	userID := PeekSubject(vc.Inbound.Header.Get("Authorization"))

	blocked, dim := g.evaluate(r.Context(), vc.ClientIP, userID, vc.Inbound.Path)
	if !blocked {
		return r, nil
	}

	g.metrics.RecordRejection(g.Name(), "ACCESS_DENIED")
	variables.Logger(r.Context()).Warn("request blocked by blacklist",
		zap.String("dimension", dim),
		zap.String("path", vc.Inbound.Path),
		zap.String("user_id", userID),
	)
	return r, errors.ErrAccessDenied
}
