package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/identity"
	"github.com/wudi/gatekeeper/internal/loadbalancer"
	"github.com/wudi/gatekeeper/internal/registry"
	"github.com/wudi/gatekeeper/internal/variables"
)

type stubSelector struct {
	inst *registry.Instance
	err  error
	last gray.Context
}

func (s *stubSelector) Select(_ context.Context, _ string, gc gray.Context) (loadbalancer.Decision, error) {
	s.last = gc
	if s.err != nil {
		return loadbalancer.Decision{}, s.err
	}
	return loadbalancer.Decision{Instance: s.inst, Strategy: loadbalancer.StrategyRoundRobin, GrayEligible: gc.Eligible, Tier: loadbalancer.TierDefault}, nil
}

func instanceFor(t *testing.T, srv *httptest.Server) *registry.Instance {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port)
	return &registry.Instance{ServiceID: "orders", ID: "orders-1", Host: host, Port: p, Health: registry.HealthPassing}
}

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable([]config.RouteConfig{
		{ID: "orders", Path: "/api/orders/**", Service: "orders", StripPrefix: "/api"},
		{ID: "users", Path: "/api/users/*", Service: "users"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func newDispatcher(t *testing.T, sel Selector, policy config.GrayConfig) *Dispatcher {
	t.Helper()
	return NewDispatcher(testTable(t), gray.NewPolicy(policy), sel, NewTransport(config.DefaultConfig().Upstream), 2*time.Second)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestDispatchForwardsToInstance(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.Header().Set("X-Seen-User", r.Header.Get("X-User-Id"))
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "query=%s", r.URL.RawQuery)
	}))
	defer upstream.Close()

	sel := &stubSelector{inst: instanceFor(t, upstream)}
	d := newDispatcher(t, sel, config.GrayConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/42?expand=items", nil)
	req.Header.Set("X-User-Id", "7")
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Upstream-Path"); got != "/orders/42" {
		t.Errorf("expected stripped path /orders/42, got %q", got)
	}
	if got := rec.Header().Get("X-Seen-User"); got != "7" {
		t.Errorf("identity header not forwarded, got %q", got)
	}
	if rec.Header().Get("Connection") != "" {
		t.Error("hop-by-hop header leaked to client")
	}
	if rec.Body.String() != "query=expand=items" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestDispatchRecordsRouteInContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	sel := &stubSelector{inst: instanceFor(t, upstream)}
	d := newDispatcher(t, sel, config.GrayConfig{Enabled: true, UserWhitelist: []string{"7"}})

	req := httptest.NewRequest(http.MethodGet, "/api/users/7", nil)
	req, vc := variables.Attach(req)
	vc.Identity = &identity.Identity{UserID: "7", Valid: true}
	d.ServeHTTP(httptest.NewRecorder(), req)

	if vc.RouteID != "users" || vc.ServiceID != "users" {
		t.Errorf("unexpected route %q service %q", vc.RouteID, vc.ServiceID)
	}
	if !sel.last.Eligible || sel.last.UserID != "7" {
		t.Errorf("expected whitelisted user to be gray eligible, got %+v", sel.last)
	}
	if !vc.GrayEligible || vc.UpstreamAddr != sel.inst.Address() {
		t.Errorf("decision not recorded: %+v", vc)
	}
}

func TestDispatchErrors(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadInst := instanceFor(t, dead)
	dead.Close()

	tests := []struct {
		name   string
		path   string
		sel    *stubSelector
		status int
	}{
		{"no route", "/nowhere", &stubSelector{}, http.StatusNotFound},
		{"no instance", "/api/orders/1", &stubSelector{err: loadbalancer.ErrNoInstance}, http.StatusServiceUnavailable},
		{"upstream down", "/api/orders/1", &stubSelector{inst: deadInst}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDispatcher(t, tt.sel, config.GrayConfig{})
			rec := httptest.NewRecorder()
			d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			body := decodeBody(t, rec)
			if int(body["code"].(float64)) != tt.status {
				t.Errorf("unexpected code %v", body["code"])
			}
			if v, ok := body["data"]; !ok || v != nil {
				t.Errorf("expected data:null, got %v", body)
			}
		})
	}
}

func TestDispatchWithSelector(t *testing.T) {
	stable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "stable")
	}))
	defer stable.Close()
	canary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "gray")
	}))
	defer canary.Close()

	s := instanceFor(t, stable)
	s.Metadata = map[string]string{"version": "stable"}
	g := instanceFor(t, canary)
	g.ID = "orders-2"
	g.Metadata = map[string]string{"version": "gray"}

	selector := loadbalancer.NewSelector(config.DefaultConfig().Balancer, sourceFunc(func(string) []*registry.Instance {
		return []*registry.Instance{s, g}
	}), nil)
	d := NewDispatcher(testTable(t), gray.NewPolicy(config.GrayConfig{Enabled: true, IPWhitelist: []string{"192.0.2.1"}}),
		selector, NewTransport(config.DefaultConfig().Upstream), time.Second)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)) // httptest RemoteAddr is 192.0.2.1
	if rec.Body.String() != "gray" {
		t.Errorf("whitelisted IP should reach gray instance, got %q", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.RemoteAddr = "198.51.100.9:1234"
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Body.String() != "stable" {
		t.Errorf("other callers should reach stable instance, got %q", rec.Body.String())
	}
}

type sourceFunc func(serviceID string) []*registry.Instance

func (f sourceFunc) Instances(_ context.Context, serviceID string) ([]*registry.Instance, error) {
	return f(serviceID), nil
}

func TestUpstreamPath(t *testing.T) {
	tests := []struct {
		strip, in, want string
	}{
		{"", "/api/x", "/api/x"},
		{"/api", "/api/x", "/x"},
		{"/api/", "/api/x", "/x"},
		{"/api", "/api", "/"},
		{"/api", "/apix/y", "/apix/y"},
		{"/v1", "/api/x", "/api/x"},
	}
	for _, tt := range tests {
		r := &Route{StripPrefix: tt.strip}
		if got := r.upstreamPath(tt.in); got != tt.want {
			t.Errorf("upstreamPath(%q, %q) = %q, want %q", tt.strip, tt.in, got, tt.want)
		}
	}
}

func TestNewTableRejectsBadPattern(t *testing.T) {
	if _, err := NewTable([]config.RouteConfig{{ID: "x", Path: "/api/[", Service: "s"}}); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestTableFirstMatchWins(t *testing.T) {
	table, err := NewTable([]config.RouteConfig{
		{ID: "specific", Path: "/api/users/admin", Service: "admin"},
		{ID: "general", Path: "/api/users/*", Service: "users"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := table.Match("/api/users/admin"); r.ID != "specific" {
		t.Errorf("expected specific route, got %s", r.ID)
	}
	if r, _ := table.Match("/api/users/9"); r.ID != "general" {
		t.Errorf("expected general route, got %s", r.ID)
	}
	if _, ok := table.Match("/api/users/9/orders"); ok {
		t.Error("single star must not cross segments")
	}
}
