package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/registry"
)

// Registry implements an in-memory service registry. Handler exposes a
// small REST API so instances can be added at runtime through the admin server.
type Registry struct {
	instances map[string]*registry.Instance
	watchers  map[string][]chan []*registry.Instance
	mu        sync.RWMutex
}

// New creates a new in-memory registry
func New() *Registry {
	return &Registry{
		instances: make(map[string]*registry.Instance),
		watchers:  make(map[string][]chan []*registry.Instance),
	}
}

// NewFromConfig creates a registry seeded with statically declared instances.
func NewFromConfig(cfg config.MemoryConfig) *Registry {
	r := New()
	for svc, list := range cfg.Services {
		for _, ic := range list {
			meta := make(map[string]string, len(ic.Metadata))
			for k, v := range ic.Metadata {
				meta[k] = v
			}
			r.Register(context.Background(), &registry.Instance{
				ServiceID: svc,
				ID:        ic.ID,
				Host:      ic.Host,
				Port:      ic.Port,
				Metadata:  meta,
			})
		}
	}
	return r
}

// Register registers or replaces an instance
func (r *Registry) Register(ctx context.Context, inst *registry.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Health == "" {
		inst.Health = registry.HealthPassing
	}

	if prev, ok := r.instances[inst.ID]; ok && prev.ServiceID != inst.ServiceID {
		r.instances[inst.ID] = inst
		r.notifyWatchers(prev.ServiceID)
	} else {
		r.instances[inst.ID] = inst
	}
	r.notifyWatchers(inst.ServiceID)

	return nil
}

// Deregister removes an instance
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[instanceID]
	if !exists {
		return registry.ErrServiceNotFound
	}

	delete(r.instances, instanceID)
	r.notifyWatchers(inst.ServiceID)

	return nil
}

// Discover returns all healthy instances of a service
func (r *Registry) Discover(ctx context.Context, serviceID string) ([]*registry.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy(serviceID), nil
}

// healthy lists passing instances; caller must hold the lock.
func (r *Registry) healthy(serviceID string) []*registry.Instance {
	var result []*registry.Instance
	for _, inst := range r.instances {
		if inst.ServiceID == serviceID && inst.Health == registry.HealthPassing {
			result = append(result, inst)
		}
	}
	return result
}

// Watch subscribes to service changes. The current state is delivered first.
func (r *Registry) Watch(ctx context.Context, serviceID string) (<-chan []*registry.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan []*registry.Instance, 10)
	ch <- r.healthy(serviceID)
	r.watchers[serviceID] = append(r.watchers[serviceID], ch)

	go func() {
		<-ctx.Done()
		r.removeWatcher(serviceID, ch)
	}()

	return ch, nil
}

func (r *Registry) removeWatcher(serviceID string, ch chan []*registry.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	watchers := r.watchers[serviceID]
	for i, w := range watchers {
		if w == ch {
			r.watchers[serviceID] = append(watchers[:i], watchers[i+1:]...)
			close(ch)
			break
		}
	}
}

// notifyWatchers pushes the new list to every watcher (caller must hold lock).
// A full channel has its stale update replaced so the latest state wins.
func (r *Registry) notifyWatchers(serviceID string) {
	instances := r.healthy(serviceID)
	for _, ch := range r.watchers[serviceID] {
		select {
		case ch <- instances:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- instances:
			default:
			}
		}
	}
}

// Close closes the registry
func (r *Registry) Close() error {
	return nil
}

// All returns every registered instance, healthy or not.
func (r *Registry) All() []*registry.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*registry.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		result = append(result, inst)
	}
	return result
}

// Handler serves GET/POST on the collection and GET/PUT/DELETE on /{id}.
// Mount it under a prefix with http.StripPrefix.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := strings.Trim(req.URL.Path, "/")
		if id == "" {
			r.handleCollection(w, req)
			return
		}
		r.handleInstance(w, req, id)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"code": status, "message": msg, "data": nil})
}

func (r *Registry) handleCollection(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		all := r.All()
		if svc := req.URL.Query().Get("service"); svc != "" {
			filtered := all[:0]
			for _, inst := range all {
				if inst.ServiceID == svc {
					filtered = append(filtered, inst)
				}
			}
			all = filtered
		}
		writeJSON(w, http.StatusOK, all)

	case http.MethodPost:
		var inst registry.Instance
		if err := json.NewDecoder(req.Body).Decode(&inst); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if inst.ServiceID == "" || inst.Host == "" || inst.Port <= 0 {
			writeError(w, http.StatusBadRequest, "service_id, host and port are required")
			return
		}
		r.Register(req.Context(), &inst)
		writeJSON(w, http.StatusCreated, inst)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Registry) handleInstance(w http.ResponseWriter, req *http.Request, id string) {
	switch req.Method {
	case http.MethodGet:
		r.mu.RLock()
		inst, exists := r.instances[id]
		r.mu.RUnlock()
		if !exists {
			writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		writeJSON(w, http.StatusOK, inst)

	case http.MethodPut:
		var inst registry.Instance
		if err := json.NewDecoder(req.Body).Decode(&inst); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		inst.ID = id
		if inst.ServiceID == "" || inst.Host == "" || inst.Port <= 0 {
			writeError(w, http.StatusBadRequest, "service_id, host and port are required")
			return
		}
		r.Register(req.Context(), &inst)
		writeJSON(w, http.StatusOK, inst)

	case http.MethodDelete:
		if err := r.Deregister(req.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
