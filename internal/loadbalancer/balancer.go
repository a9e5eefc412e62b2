// Package loadbalancer picks a service instance for an outbound call,
// preferring the gray or default version according to the caller's gray
// decision.
package loadbalancer

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/registry"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyRandom           Strategy = "random"
	StrategyWeighted         Strategy = "weighted"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyConsistentHash   Strategy = "consistent_hash"
)

// Picker chooses one instance from a non-empty candidate list. Candidates
// are ordered by instance id.
type Picker interface {
	Pick(serviceID string, candidates []*registry.Instance, gc gray.Context) *registry.Instance
}

// maxWeight caps instance weights so sums over a candidate list cannot
// overflow.
const maxWeight = 10000

// weightOf returns the instance weight. Absent or malformed weights count
// as 1 and oversized ones are capped; they never fail selection.
func weightOf(inst *registry.Instance) int {
	raw, ok := inst.Metadata[registry.MetaWeight]
	if !ok {
		return 1
	}
	w, err := strconv.Atoi(raw)
	if err != nil || w < 0 {
		logging.Warn("invalid instance weight, using 1",
			zap.String("service", inst.ServiceID),
			zap.String("instance", inst.ID),
			zap.String("weight", raw),
		)
		return 1
	}
	if w > maxWeight {
		logging.Warn("instance weight too large, capping",
			zap.String("service", inst.ServiceID),
			zap.String("instance", inst.ID),
			zap.String("weight", raw),
			zap.Int("max", maxWeight),
		)
		return maxWeight
	}
	return w
}

// connectionsOf returns the reported active connection count, 0 when absent
// or malformed.
func connectionsOf(inst *registry.Instance) int64 {
	raw, ok := inst.Metadata[registry.MetaConnections]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		logging.Warn("invalid instance connection count, using 0",
			zap.String("service", inst.ServiceID),
			zap.String("instance", inst.ID),
			zap.String("connections", raw),
		)
		return 0
	}
	return n
}
