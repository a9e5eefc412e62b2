package loadbalancer

import (
	"math/rand/v2"

	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/registry"
)

// Weighted picks a candidate with probability proportional to its weight
// metadata. When every weight is zero the choice is uniform.
type Weighted struct {
	intn func(n int) int
}

// NewWeighted creates a weighted random picker.
func NewWeighted() *Weighted {
	return &Weighted{intn: rand.IntN}
}

// Pick implements Picker.
func (w *Weighted) Pick(_ string, candidates []*registry.Instance, _ gray.Context) *registry.Instance {
	if len(candidates) == 0 {
		return nil
	}

	var stack [16]int
	weights := stack[:0]
	total := 0
	for _, inst := range candidates {
		wt := weightOf(inst)
		weights = append(weights, wt)
		total += wt
	}
	if total == 0 {
		return candidates[w.intn(len(candidates))]
	}

	n := w.intn(total)
	for i, wt := range weights {
		if n < wt {
			return candidates[i]
		}
		n -= wt
	}
	return candidates[len(candidates)-1]
}
