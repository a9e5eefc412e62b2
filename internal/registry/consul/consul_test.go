package consul

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/registry"
)

const healthResponse = `[
  {
    "Node": {"Node": "n1", "Address": "10.0.0.1"},
    "Service": {"ID": "user-1", "Service": "user-service", "Address": "", "Port": 8080, "Meta": {"version": "gray", "weight": "3"}},
    "Checks": [{"Status": "passing"}]
  },
  {
    "Node": {"Node": "n2", "Address": "10.0.0.2"},
    "Service": {"ID": "user-2", "Service": "user-service", "Address": "10.1.0.2", "Port": 8081},
    "Checks": [{"Status": "passing"}, {"Status": "warning"}]
  }
]`

func fakeConsul(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/health/service/user-service") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("index") != "" {
			// blocking query: hold briefly, report the same index
			select {
			case <-r.Context().Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		w.Header().Set("X-Consul-Index", "5")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(healthResponse))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	srv := fakeConsul(t)
	r, err := newRegistry(config.ConsulConfig{
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Scheme:  "http",
	})
	if err != nil {
		t.Fatalf("newRegistry failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDiscoverConvertsEntries(t *testing.T) {
	r := newTestRegistry(t)

	instances, err := r.Discover(context.Background(), "user-service")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}

	first := instances[0]
	if first.Host != "10.0.0.1" {
		t.Errorf("expected node address fallback, got %q", first.Host)
	}
	if first.ServiceID != "user-service" || first.Version() != "gray" {
		t.Errorf("unexpected instance %+v", first)
	}
	if instances[1].Host != "10.1.0.2" {
		t.Errorf("expected service address, got %q", instances[1].Host)
	}
	if instances[1].Health != registry.HealthWarning {
		t.Errorf("expected warning health, got %s", instances[1].Health)
	}
}

func TestWatchDeliversAndCloses(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := r.Watch(ctx, "user-service")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	select {
	case list := <-ch:
		if len(list) != 2 {
			t.Errorf("expected 2 instances, got %d", len(list))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for watch update")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

func TestDiscoverUnreachable(t *testing.T) {
	r, err := newRegistry(config.ConsulConfig{Address: "127.0.0.1:1", Scheme: "http"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.Discover(ctx, "user-service"); err == nil {
		t.Error("expected error for unreachable agent")
	}
}
