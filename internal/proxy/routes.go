package proxy

import (
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wudi/gatekeeper/internal/config"
)

// Route maps inbound paths to a registry service.
type Route struct {
	ID          string        `json:"id"`
	Path        string        `json:"path"`
	Service     string        `json:"service"`
	StripPrefix string        `json:"strip_prefix,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Table is an immutable, ordered route list. The first match wins.
type Table struct {
	routes []*Route
}

// NewTable compiles route configs, rejecting malformed patterns.
func NewTable(cfgs []config.RouteConfig) (*Table, error) {
	t := &Table{routes: make([]*Route, 0, len(cfgs))}
	for _, rc := range cfgs {
		if !doublestar.ValidatePattern(rc.Path) {
			return nil, fmt.Errorf("route %s: invalid path pattern %q", rc.ID, rc.Path)
		}
		t.routes = append(t.routes, &Route{
			ID:          rc.ID,
			Path:        rc.Path,
			Service:     rc.Service,
			StripPrefix: rc.StripPrefix,
			Timeout:     rc.Timeout,
		})
	}
	return t, nil
}

// Match returns the first route whose pattern matches path.
func (t *Table) Match(path string) (*Route, bool) {
	for _, r := range t.routes {
		if doublestar.MatchUnvalidated(r.Path, path) {
			return r, true
		}
	}
	return nil, false
}

// Routes returns the routes in match order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// upstreamPath removes the route's strip prefix on a segment boundary.
func (r *Route) upstreamPath(path string) string {
	if r.StripPrefix == "" {
		return path
	}
	prefix := strings.TrimSuffix(r.StripPrefix, "/")
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || (rest != "" && rest[0] != '/') {
		return path
	}
	if rest == "" {
		return "/"
	}
	return rest
}
