package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/metrics"
	"github.com/wudi/gatekeeper/internal/registry"
)

// ErrNoInstance is returned when a service has no usable instance.
var ErrNoInstance = errors.New("loadbalancer: no available instance")

// InstanceSource lists the current instances of a service.
type InstanceSource interface {
	Instances(ctx context.Context, serviceID string) ([]*registry.Instance, error)
}

// Decision is the outcome of one selection.
type Decision struct {
	Instance     *registry.Instance
	Strategy     Strategy
	GrayEligible bool
	Tier         Tier
}

// Selector chooses instances per service according to the balancer config.
// The config can be swapped at runtime with Update.
type Selector struct {
	source  InstanceSource
	cfg     atomic.Pointer[config.BalancerConfig]
	pickers map[Strategy]Picker
	metrics *metrics.Collector
}

// NewSelector creates a selector over source.
func NewSelector(cfg config.BalancerConfig, source InstanceSource, m *metrics.Collector) *Selector {
	s := &Selector{
		source: source,
		pickers: map[Strategy]Picker{
			StrategyRoundRobin:       NewRoundRobin(),
			StrategyRandom:           Random{},
			StrategyWeighted:         NewWeighted(),
			StrategyLeastConnections: LeastConnections{},
			StrategyConsistentHash:   NewConsistentHash(0),
		},
		metrics: m,
	}
	s.Update(cfg)
	return s
}

// Update replaces the balancer config. Round-robin positions are kept.
func (s *Selector) Update(cfg config.BalancerConfig) {
	s.cfg.Store(&cfg)
}

// Config returns the active balancer config.
func (s *Selector) Config() config.BalancerConfig {
	return *s.cfg.Load()
}

// Select picks an instance of serviceID for a caller with gray decision gc.
// Malformed instance metadata never fails selection; only the absence of
// any usable instance does.
func (s *Selector) Select(ctx context.Context, serviceID string, gc gray.Context) (Decision, error) {
	_, span := otel.Tracer("gatekeeper/loadbalancer").Start(ctx, "loadbalancer.select")
	defer span.End()

	instances, err := s.source.Instances(ctx, serviceID)
	if err != nil {
		s.metrics.RecordNoInstance(serviceID)
		return Decision{}, fmt.Errorf("%w for %s: %w", ErrNoInstance, serviceID, err)
	}
	instances = filter(instances, func(i *registry.Instance) bool {
		return i.Health != registry.HealthCritical
	})
	if len(instances) == 0 {
		s.metrics.RecordNoInstance(serviceID)
		return Decision{}, fmt.Errorf("%w for %s", ErrNoInstance, serviceID)
	}

	sc := s.Config().ForService(serviceID)
	eligible := gc.Eligible && sc.IsGrayEnabled()
	pool, tier := candidates(instances, sc, eligible)

	strategy := Strategy(sc.Strategy)
	picker, ok := s.pickers[strategy]
	if !ok {
		logging.Warn("unknown balancer strategy, using round robin",
			zap.String("service", serviceID), zap.String("strategy", sc.Strategy))
		strategy = StrategyRoundRobin
		picker = s.pickers[strategy]
	}

	inst := picker.Pick(serviceID, pool, gc)
	span.SetAttributes(
		attribute.String("service", serviceID),
		attribute.String("strategy", string(strategy)),
		attribute.String("tier", string(tier)),
		attribute.String("instance", inst.ID),
	)
	s.metrics.RecordSelection(serviceID, string(strategy), string(tier))

	return Decision{
		Instance:     inst,
		Strategy:     strategy,
		GrayEligible: eligible,
		Tier:         tier,
	}, nil
}
