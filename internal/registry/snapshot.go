package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/logging"
)

// Snapshot keeps the latest instance list per service, fed by Watch.
// The first lookup for a service falls back to Discover and starts a watch.
type Snapshot struct {
	reg Registry

	mu       sync.RWMutex
	services map[string][]*Instance
	watching map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSnapshot creates a snapshot over reg.
func NewSnapshot(reg Registry) *Snapshot {
	ctx, cancel := context.WithCancel(context.Background())
	return &Snapshot{
		reg:      reg,
		services: make(map[string][]*Instance),
		watching: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Instances returns the current healthy instances of serviceID.
// The returned slice must not be modified.
func (s *Snapshot) Instances(ctx context.Context, serviceID string) ([]*Instance, error) {
	s.mu.RLock()
	inst, ok := s.services[serviceID]
	s.mu.RUnlock()
	if ok {
		return inst, nil
	}

	inst, err := s.reg.Discover(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	s.store(serviceID, inst)
	s.startWatch(serviceID)
	return inst, nil
}

// Services returns a copy of every known service's instances.
func (s *Snapshot) Services() map[string][]*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]*Instance, len(s.services))
	for k, v := range s.services {
		out[k] = cloneInstances(v)
	}
	return out
}

func (s *Snapshot) store(serviceID string, inst []*Instance) {
	inst = cloneInstances(inst)
	if inst == nil {
		inst = []*Instance{}
	}
	// Stable order so round robin does not depend on map iteration.
	sort.SliceStable(inst, func(i, j int) bool { return inst[i].ID < inst[j].ID })
	s.mu.Lock()
	s.services[serviceID] = inst
	s.mu.Unlock()
}

func (s *Snapshot) startWatch(serviceID string) {
	s.mu.Lock()
	if s.watching[serviceID] || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.watching[serviceID] = true
	s.mu.Unlock()

	ch, err := s.reg.Watch(s.ctx, serviceID)
	if err != nil {
		logging.Warn("registry watch failed, will rediscover on next lookup",
			zap.String("service", serviceID), zap.Error(err))
		s.forget(serviceID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for inst := range ch {
			s.store(serviceID, inst)
			logging.Debug("registry snapshot updated",
				zap.String("service", serviceID), zap.Int("instances", len(inst)))
		}
		if s.ctx.Err() == nil {
			logging.Warn("registry watch ended, will rediscover on next lookup",
				zap.String("service", serviceID))
			s.forget(serviceID)
		}
	}()
}

// forget drops the cached list so the next lookup runs Discover and starts a
// new watch.
func (s *Snapshot) forget(serviceID string) {
	s.mu.Lock()
	delete(s.services, serviceID)
	delete(s.watching, serviceID)
	s.mu.Unlock()
}

// Close stops all watches.
func (s *Snapshot) Close() {
	s.cancel()
	s.wg.Wait()
}
