package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/registry"
)

const leaseTTL = 30 // seconds

// Registry implements service registry using etcd. Instances live under
// {prefix}{serviceID}/{instanceID} as JSON, attached to a keep-alive lease.
type Registry struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // instance id -> lease
	keys   map[string]string           // instance id -> key

	watchMu  sync.Mutex
	watchers map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new etcd registry
func New(cfg config.EtcdConfig) (*Registry, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	rctx, rcancel := context.WithCancel(context.Background())
	return &Registry{
		client:   client,
		prefix:   normalizePrefix(cfg.Prefix),
		leases:   make(map[string]clientv3.LeaseID),
		keys:     make(map[string]string),
		watchers: make(map[string]context.CancelFunc),
		ctx:      rctx,
		cancel:   rcancel,
	}, nil
}

func normalizePrefix(p string) string {
	if p == "" {
		p = "/services/"
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func (r *Registry) serviceKey(serviceID, instanceID string) string {
	return r.prefix + serviceID + "/" + instanceID
}

func (r *Registry) servicePrefix(serviceID string) string {
	return r.prefix + serviceID + "/"
}

// Register stores the instance under a lease kept alive until Deregister or Close.
func (r *Registry) Register(ctx context.Context, inst *registry.Instance) error {
	if inst.Health == "" {
		inst.Health = registry.HealthPassing
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	lease, err := r.client.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	key := r.serviceKey(inst.ServiceID, inst.ID)
	if _, err := r.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	keepAlive, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range keepAlive {
		}
	}()

	r.mu.Lock()
	r.leases[inst.ID] = lease.ID
	r.keys[inst.ID] = key
	r.mu.Unlock()
	return nil
}

// Deregister removes an instance. Instances registered elsewhere are found by scanning.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	key, own := r.keys[instanceID]
	lease := r.leases[instanceID]
	delete(r.keys, instanceID)
	delete(r.leases, instanceID)
	r.mu.Unlock()

	if own {
		if _, err := r.client.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to deregister instance: %w", err)
		}
		r.client.Revoke(ctx, lease)
		return nil
	}

	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	for _, kv := range resp.Kvs {
		if strings.HasSuffix(string(kv.Key), "/"+instanceID) {
			if _, err := r.client.Delete(ctx, string(kv.Key)); err != nil {
				return fmt.Errorf("failed to deregister instance: %w", err)
			}
			return nil
		}
	}
	return registry.ErrServiceNotFound
}

// Discover returns all passing instances of a service
func (r *Registry) Discover(ctx context.Context, serviceID string) ([]*registry.Instance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceID), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", serviceID, err)
	}
	return decodeInstances(serviceID, resp.Kvs), nil
}

// decodeInstances parses stored values, skipping corrupt and unhealthy ones.
func decodeInstances(serviceID string, kvs []*mvccpb.KeyValue) []*registry.Instance {
	out := make([]*registry.Instance, 0, len(kvs))
	for _, kv := range kvs {
		var inst registry.Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			logging.Warn("skipping malformed etcd instance",
				zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		if inst.Health != registry.HealthPassing && inst.Health != "" {
			continue
		}
		inst.ServiceID = serviceID
		if inst.ID == "" {
			inst.ID = string(kv.Key[strings.LastIndexByte(string(kv.Key), '/')+1:])
		}
		out = append(out, &inst)
	}
	return out
}

// Watch subscribes to service changes
func (r *Registry) Watch(ctx context.Context, serviceID string) (<-chan []*registry.Instance, error) {
	ch := make(chan []*registry.Instance, 1)
	watchCtx, cancel := context.WithCancel(ctx)

	r.watchMu.Lock()
	if existing, ok := r.watchers[serviceID]; ok {
		existing()
	}
	r.watchers[serviceID] = cancel
	r.watchMu.Unlock()

	go r.watchService(watchCtx, serviceID, ch)
	return ch, nil
}

func (r *Registry) watchService(ctx context.Context, serviceID string, ch chan []*registry.Instance) {
	defer close(ch)

	send := func() bool {
		resp, err := r.client.Get(ctx, r.servicePrefix(serviceID), clientv3.WithPrefix())
		if err != nil {
			logging.Warn("etcd refresh failed", zap.String("service", serviceID), zap.Error(err))
			return ctx.Err() == nil
		}
		select {
		case ch <- decodeInstances(serviceID, resp.Kvs):
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send() {
		return
	}

	watchCh := r.client.Watch(clientv3.WithRequireLeader(ctx), r.servicePrefix(serviceID), clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := resp.Err(); err != nil {
				logging.Warn("etcd watch error", zap.String("service", serviceID), zap.Error(err))
				continue
			}
			if !send() {
				return
			}
		}
	}
}

// Close revokes nothing; leases expire on their own once keep-alives stop.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)
	r.watchMu.Unlock()

	r.cancel()
	return r.client.Close()
}
