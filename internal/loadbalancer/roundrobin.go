package loadbalancer

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/registry"
)

// RoundRobin cycles through candidates with one counter per service.
type RoundRobin struct {
	counters sync.Map // service id -> *atomic.Uint64
}

// NewRoundRobin creates a round-robin picker.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (rr *RoundRobin) counter(serviceID string) *atomic.Uint64 {
	if c, ok := rr.counters.Load(serviceID); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := rr.counters.LoadOrStore(serviceID, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// Pick implements Picker.
func (rr *RoundRobin) Pick(serviceID string, candidates []*registry.Instance, _ gray.Context) *registry.Instance {
	if len(candidates) == 0 {
		return nil
	}
	idx := rr.counter(serviceID).Add(1)
	return candidates[(idx-1)%uint64(len(candidates))]
}

// Random picks a uniformly random candidate.
type Random struct{}

// Pick implements Picker.
func (Random) Pick(_ string, candidates []*registry.Instance, _ gray.Context) *registry.Instance {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}
