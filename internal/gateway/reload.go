package gateway

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/middleware/accessgate"
	"github.com/wudi/gatekeeper/internal/proxy"
)

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload swaps in the parts of newCfg that can change at runtime: the guard,
// the access gate, gray policy, routes, balancer settings and auth skip
// paths. Connection-level sections keep their old values until restart and
// are reported in Changes. A config that fails to build leaves the running
// state untouched.
func (g *Gateway) Reload(newCfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	if err := config.Validate(newCfg); err != nil {
		result.Error = err.Error()
		return result
	}
	table, err := proxy.NewTable(newCfg.Routes)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if newCfg.Auth.Enabled && g.resolver == nil {
		result.Error = "auth cannot be enabled without a restart"
		return result
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	result.Changes = diffConfig(g.config, newCfg)

	g.dispatcher.SetTable(table)
	g.dispatcher.SetPolicy(gray.NewPolicy(newCfg.Gray))
	g.selector.Update(newCfg.Balancer)
	g.gate.Store(accessgate.New(newCfg.AccessGate, g.store, g.pool, g.metrics))
	g.pipeline.Store(g.buildPipeline(newCfg))
	if g.resolver != nil {
		// Identities resolved under the old settings are re-fetched.
		g.resolver.Purge()
	}
	g.config = newCfg

	result.Success = true
	return result
}

// diffConfig lists route changes and the sections that differ. Sections
// that are only read at startup are marked as needing a restart.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldRoutes := make(map[string]config.RouteConfig, len(oldCfg.Routes))
	for _, r := range oldCfg.Routes {
		oldRoutes[r.ID] = r
	}
	newRoutes := make(map[string]config.RouteConfig, len(newCfg.Routes))
	for _, r := range newCfg.Routes {
		newRoutes[r.ID] = r
	}

	for id, r := range newRoutes {
		old, ok := oldRoutes[id]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("route added: %s", id))
		case old != r:
			changes = append(changes, fmt.Sprintf("route modified: %s", id))
		}
	}
	for id := range oldRoutes {
		if _, ok := newRoutes[id]; !ok {
			changes = append(changes, fmt.Sprintf("route removed: %s", id))
		}
	}

	live := []struct {
		name     string
		old, new any
	}{
		{"guard", oldCfg.Guard, newCfg.Guard},
		{"access_gate", oldCfg.AccessGate, newCfg.AccessGate},
		{"gray", oldCfg.Gray, newCfg.Gray},
		{"balancer", oldCfg.Balancer, newCfg.Balancer},
		{"auth.skip_paths", oldCfg.Auth.SkipPaths, newCfg.Auth.SkipPaths},
	}
	for _, s := range live {
		if !reflect.DeepEqual(s.old, s.new) {
			changes = append(changes, "updated: "+s.name)
		}
	}

	oldAuth, newAuth := oldCfg.Auth, newCfg.Auth
	oldAuth.SkipPaths, newAuth.SkipPaths = nil, nil
	startup := []struct {
		name     string
		old, new any
	}{
		{"listener", oldCfg.Listener, newCfg.Listener},
		{"admin", oldCfg.Admin, newCfg.Admin},
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"redis", oldCfg.Redis, newCfg.Redis},
		{"registry", oldCfg.Registry, newCfg.Registry},
		{"worker_pool", oldCfg.WorkerPool, newCfg.WorkerPool},
		{"auth", oldAuth, newAuth},
		{"identity", oldCfg.Identity, newCfg.Identity},
		{"upstream", oldCfg.Upstream, newCfg.Upstream},
		{"tracing", oldCfg.Tracing, newCfg.Tracing},
	}
	for _, s := range startup {
		if !reflect.DeepEqual(s.old, s.new) {
			changes = append(changes, "restart required: "+s.name)
		}
	}

	sort.Strings(changes)
	return changes
}
