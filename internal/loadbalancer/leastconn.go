package loadbalancer

import (
	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/registry"
)

// LeastConnections picks the candidate reporting the fewest active
// connections. Ties are broken by candidate order.
type LeastConnections struct{}

// Pick implements Picker.
func (LeastConnections) Pick(_ string, candidates []*registry.Instance, _ gray.Context) *registry.Instance {
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	bestConns := connectionsOf(best)
	for _, inst := range candidates[1:] {
		if n := connectionsOf(inst); n < bestConns {
			best = inst
			bestConns = n
		}
	}
	return best
}
