package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/registry"
)

func TestMemoryRegistry(t *testing.T) {
	r := New()
	ctx := context.Background()

	inst := &registry.Instance{
		ID:        "user-1",
		ServiceID: "user-service",
		Host:      "127.0.0.1",
		Port:      8080,
		Metadata:  map[string]string{"version": "gray"},
	}

	if err := r.Register(ctx, inst); err != nil {
		t.Fatalf("failed to register instance: %v", err)
	}

	instances, err := r.Discover(ctx, "user-service")
	if err != nil {
		t.Fatalf("failed to discover instances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(instances))
	}
	if instances[0].Version() != "gray" {
		t.Errorf("expected version gray, got %q", instances[0].Version())
	}
	if instances[0].Health != registry.HealthPassing {
		t.Errorf("expected default health passing, got %s", instances[0].Health)
	}
}

func TestMemoryRegistryDeregister(t *testing.T) {
	r := New()
	ctx := context.Background()

	r.Register(ctx, &registry.Instance{ID: "user-1", ServiceID: "user-service", Host: "127.0.0.1", Port: 8080})

	if err := r.Deregister(ctx, "user-1"); err != nil {
		t.Fatalf("failed to deregister instance: %v", err)
	}
	if err := r.Deregister(ctx, "user-1"); err != registry.ErrServiceNotFound {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}

	instances, _ := r.Discover(ctx, "user-service")
	if len(instances) != 0 {
		t.Errorf("expected 0 instances, got %d", len(instances))
	}
}

func TestMemoryRegistrySkipsUnhealthy(t *testing.T) {
	r := New()
	ctx := context.Background()

	r.Register(ctx, &registry.Instance{ID: "a", ServiceID: "svc", Host: "10.0.0.1", Port: 80})
	r.Register(ctx, &registry.Instance{ID: "b", ServiceID: "svc", Host: "10.0.0.2", Port: 80, Health: registry.HealthCritical})

	instances, _ := r.Discover(ctx, "svc")
	if len(instances) != 1 || instances[0].ID != "a" {
		t.Errorf("expected only the passing instance, got %v", instances)
	}
}

func TestNewFromConfig(t *testing.T) {
	r := NewFromConfig(config.MemoryConfig{
		Services: map[string][]config.InstanceConfig{
			"order-service": {
				{ID: "o1", Host: "10.0.0.1", Port: 8080, Metadata: map[string]string{"weight": "3"}},
				{Host: "10.0.0.2", Port: 8080},
			},
		},
	})

	instances, _ := r.Discover(context.Background(), "order-service")
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
	for _, inst := range instances {
		if inst.ID == "" {
			t.Error("expected generated id")
		}
	}
}

func TestMemoryRegistryWatch(t *testing.T) {
	r := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := r.Watch(ctx, "user-service")
	if err != nil {
		t.Fatalf("failed to watch: %v", err)
	}

	select {
	case initial := <-ch:
		if len(initial) != 0 {
			t.Errorf("expected empty initial state, got %d", len(initial))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for initial state")
	}

	r.Register(context.Background(), &registry.Instance{ID: "user-1", ServiceID: "user-service", Host: "127.0.0.1", Port: 8080})

	select {
	case update := <-ch:
		if len(update) != 1 {
			t.Errorf("expected 1 instance in update, got %d", len(update))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestHandlerRegisterAndDelete(t *testing.T) {
	r := New()
	h := r.Handler()

	body := `{"service_id":"user-service","host":"10.0.0.9","port":9000,"metadata":{"version":"stable"}}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created registry.Instance
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?service=user-service", nil))
	var listed []registry.Instance
	json.Unmarshal(w.Body.Bytes(), &listed)
	if len(listed) != 1 {
		t.Errorf("expected 1 listed instance, got %d", len(listed))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/"+created.ID, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/"+created.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandlerRejectsIncompleteInstance(t *testing.T) {
	h := New().Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"host":"x"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSnapshotFollowsWatch(t *testing.T) {
	r := New()
	ctx := context.Background()
	r.Register(ctx, &registry.Instance{ID: "b", ServiceID: "svc", Host: "10.0.0.2", Port: 80})
	r.Register(ctx, &registry.Instance{ID: "a", ServiceID: "svc", Host: "10.0.0.1", Port: 80})

	snap := registry.NewSnapshot(r)
	defer snap.Close()

	got, err := snap.Instances(ctx, "svc")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" {
		t.Fatalf("expected sorted instances, got %v", got)
	}

	r.Deregister(ctx, "a")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ = snap.Instances(ctx, "svc")
		if len(got) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("expected snapshot to follow deregistration, got %v", got)
	}
}
