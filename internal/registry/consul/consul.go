package consul

import (
	"context"
	"fmt"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/registry"
)

const (
	watchWait    = 30 * time.Second
	watchBackoff = 5 * time.Second
)

// Registry implements service registry using Consul
type Registry struct {
	client     *consulapi.Client
	datacenter string
	namespace  string

	watcherMu sync.Mutex
	watchers  map[string]context.CancelFunc
}

// New creates a new Consul registry and verifies the agent is reachable.
func New(cfg config.ConsulConfig) (*Registry, error) {
	r, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := r.client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}
	return r, nil
}

func newRegistry(cfg config.ConsulConfig) (*Registry, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	consulCfg.Scheme = cfg.Scheme
	consulCfg.Datacenter = cfg.Datacenter
	consulCfg.Namespace = cfg.Namespace
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	return &Registry{
		client:     client,
		datacenter: cfg.Datacenter,
		namespace:  cfg.Namespace,
		watchers:   make(map[string]context.CancelFunc),
	}, nil
}

// Register registers an instance with an HTTP health check on /health.
func (r *Registry) Register(ctx context.Context, inst *registry.Instance) error {
	registration := &consulapi.AgentServiceRegistration{
		ID:      inst.ID,
		Name:    inst.ServiceID,
		Address: inst.Host,
		Port:    inst.Port,
		Meta:    inst.Metadata,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           inst.URL() + "/health",
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}

	opts := consulapi.ServiceRegisterOpts{}.WithContext(ctx)
	if err := r.client.Agent().ServiceRegisterOpts(registration, opts); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// Deregister removes an instance from Consul
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	if err := r.client.Agent().ServiceDeregisterOpts(instanceID, q); err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	return nil
}

// Discover returns all passing instances of a service
func (r *Registry) Discover(ctx context.Context, serviceID string) ([]*registry.Instance, error) {
	q := &consulapi.QueryOptions{Datacenter: r.datacenter, Namespace: r.namespace}
	entries, _, err := r.client.Health().Service(serviceID, "", true, q.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", serviceID, err)
	}
	return convertEntries(serviceID, entries), nil
}

func convertEntries(serviceID string, entries []*consulapi.ServiceEntry) []*registry.Instance {
	out := make([]*registry.Instance, 0, len(entries))
	for _, entry := range entries {
		inst := &registry.Instance{
			ServiceID: serviceID,
			ID:        entry.Service.ID,
			Host:      entry.Service.Address,
			Port:      entry.Service.Port,
			Metadata:  entry.Service.Meta,
			Health:    convertHealth(entry.Checks),
		}
		// Use node address if service address is empty
		if inst.Host == "" && entry.Node != nil {
			inst.Host = entry.Node.Address
		}
		out = append(out, inst)
	}
	return out
}

// convertHealth converts Consul health checks to registry health status
func convertHealth(checks consulapi.HealthChecks) registry.HealthStatus {
	for _, check := range checks {
		if check.Status == consulapi.HealthCritical {
			return registry.HealthCritical
		}
		if check.Status == consulapi.HealthWarning {
			return registry.HealthWarning
		}
	}
	return registry.HealthPassing
}

// Watch subscribes to service changes using Consul blocking queries
func (r *Registry) Watch(ctx context.Context, serviceID string) (<-chan []*registry.Instance, error) {
	ch := make(chan []*registry.Instance, 1)
	watchCtx, cancel := context.WithCancel(ctx)

	r.watcherMu.Lock()
	if existing, ok := r.watchers[serviceID]; ok {
		existing()
	}
	r.watchers[serviceID] = cancel
	r.watcherMu.Unlock()

	go r.watchService(watchCtx, serviceID, ch)
	return ch, nil
}

func (r *Registry) watchService(ctx context.Context, serviceID string, ch chan []*registry.Instance) {
	defer close(ch)

	var lastIndex uint64
	for ctx.Err() == nil {
		q := &consulapi.QueryOptions{
			Datacenter: r.datacenter,
			Namespace:  r.namespace,
			WaitIndex:  lastIndex,
			WaitTime:   watchWait,
		}
		entries, meta, err := r.client.Health().Service(serviceID, "", true, q.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("consul watch failed, retrying",
				zap.String("service", serviceID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchBackoff):
			}
			continue
		}

		if meta.LastIndex == lastIndex {
			continue
		}
		// Index went backwards (agent restart): start over.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
			continue
		}
		lastIndex = meta.LastIndex

		select {
		case ch <- convertEntries(serviceID, entries):
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the registry and cancels all watchers
func (r *Registry) Close() error {
	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()

	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)
	return nil
}
