package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/registry"
)

// resolver abstracts DNS lookups for testability.
type resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Registry implements service discovery via DNS SRV records (RFC 2782).
// Only the lowest-priority tier is served; SRV weights become the
// "weight" metadata read by the weighted strategy.
type Registry struct {
	domain       string
	protocol     string
	pollInterval time.Duration
	resolver     resolver

	cacheMu sync.RWMutex
	cache   map[string][]*registry.Instance

	watchMu  sync.Mutex
	watchers map[string]context.CancelFunc
}

// New creates a new DNS SRV registry.
func New(cfg config.DNSSRVConfig) (*Registry, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("dns registry: domain is required")
	}

	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}

	res := net.DefaultResolver
	if cfg.Nameserver != "" {
		nameserver := cfg.Nameserver
		res = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, "udp", nameserver)
			},
		}
	}

	return &Registry{
		domain:       cfg.Domain,
		protocol:     protocol,
		pollInterval: pollInterval,
		resolver:     res,
		cache:        make(map[string][]*registry.Instance),
		watchers:     make(map[string]context.CancelFunc),
	}, nil
}

// Register is a no-op for DNS SRV (read-only registry).
func (r *Registry) Register(_ context.Context, _ *registry.Instance) error {
	return nil
}

// Deregister is a no-op for DNS SRV (read-only registry).
func (r *Registry) Deregister(_ context.Context, _ string) error {
	return nil
}

// Discover resolves the service, serving the last good answer on failure.
func (r *Registry) Discover(ctx context.Context, serviceID string) ([]*registry.Instance, error) {
	instances, err := r.lookup(ctx, serviceID)
	if err != nil {
		r.cacheMu.RLock()
		cached, ok := r.cache[serviceID]
		r.cacheMu.RUnlock()
		if ok {
			return cached, nil
		}
		return nil, err
	}
	return instances, nil
}

// Watch polls DNS and publishes when the answer changes.
func (r *Registry) Watch(ctx context.Context, serviceID string) (<-chan []*registry.Instance, error) {
	ch := make(chan []*registry.Instance, 1)
	watchCtx, cancel := context.WithCancel(ctx)

	r.watchMu.Lock()
	if existing, ok := r.watchers[serviceID]; ok {
		existing()
	}
	r.watchers[serviceID] = cancel
	r.watchMu.Unlock()

	go r.poll(watchCtx, serviceID, ch)
	return ch, nil
}

// Close cancels all watcher goroutines.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)
	return nil
}

func (r *Registry) lookup(ctx context.Context, serviceID string) ([]*registry.Instance, error) {
	_, srvs, err := r.resolver.LookupSRV(ctx, serviceID, r.protocol, r.domain)
	if err != nil {
		return nil, fmt.Errorf("dns srv lookup failed for %s: %w", serviceID, err)
	}
	if len(srvs) == 0 {
		return nil, fmt.Errorf("dns srv lookup for %s: %w", serviceID, registry.ErrServiceNotFound)
	}

	minPriority := srvs[0].Priority
	for _, srv := range srvs {
		if srv.Priority < minPriority {
			minPriority = srv.Priority
		}
	}

	instances := make([]*registry.Instance, 0, len(srvs))
	for _, srv := range srvs {
		if srv.Priority != minPriority {
			continue
		}
		target := strings.TrimSuffix(srv.Target, ".")
		instances = append(instances, &registry.Instance{
			ServiceID: serviceID,
			ID:        fmt.Sprintf("%s-%s-%d", serviceID, target, srv.Port),
			Host:      r.resolveTarget(ctx, target),
			Port:      int(srv.Port),
			Health:    registry.HealthPassing,
			Metadata: map[string]string{
				registry.MetaWeight: strconv.FormatUint(uint64(srv.Weight), 10),
				"srv_priority":      strconv.FormatUint(uint64(srv.Priority), 10),
				"srv_target":        target,
			},
		})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })

	r.cacheMu.Lock()
	r.cache[serviceID] = instances
	r.cacheMu.Unlock()

	return instances, nil
}

// resolveTarget resolves an SRV target to an address, preferring IPv4.
// The hostname itself is used when resolution fails.
func (r *Registry) resolveTarget(ctx context.Context, target string) string {
	if net.ParseIP(target) != nil {
		return target
	}
	addrs, err := r.resolver.LookupHost(ctx, target)
	if err != nil || len(addrs) == 0 {
		return target
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	return addrs[0]
}

func (r *Registry) poll(ctx context.Context, serviceID string, ch chan []*registry.Instance) {
	defer close(ch)

	var last []*registry.Instance
	publish := func() bool {
		instances, err := r.lookup(ctx, serviceID)
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn("dns poll failed, keeping last answer",
					zap.String("service", serviceID), zap.Error(err))
			}
			return ctx.Err() == nil
		}
		if last != nil && sameInstances(last, instances) {
			return true
		}
		last = instances
		select {
		case ch <- instances:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !publish() {
		return
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !publish() {
				return
			}
		}
	}
}

// sameInstances compares two sorted answers by address and weight.
func sameInstances(a, b []*registry.Instance) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Host != b[i].Host ||
			a[i].Metadata[registry.MetaWeight] != b[i].Metadata[registry.MetaWeight] {
			return false
		}
	}
	return true
}
