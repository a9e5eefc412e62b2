package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const minimalYAML = `
auth:
  jwt:
    secret: test-secret
identity:
  endpoint: http://auth.internal/validate
routes:
  - id: users
    path: /api/users/**
    service: user-service
`

func TestLoaderParse(t *testing.T) {
	yaml := `
listener:
  address: ":9000"
  read_timeout: 10s

registry:
  type: consul
  consul:
    address: "consul:8500"

guard:
  max_clock_skew: 5m
  request_sources: [web, ios]

auth:
  jwt:
    secret: s3cret
  cache_key_prefix: "id:"

identity:
  endpoint: http://auth.internal/validate
  retry_attempts: 3

balancer:
  strategy: weighted
  services:
    order-service:
      strategy: least_connections
      gray_enabled: false

routes:
  - id: orders
    path: /api/orders/**
    service: order-service
    strip_prefix: /api
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listener.Address != ":9000" {
		t.Errorf("expected address :9000, got %s", cfg.Listener.Address)
	}
	if cfg.Listener.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Listener.ReadTimeout)
	}
	if cfg.Listener.WriteTimeout != 30*time.Second {
		t.Errorf("expected default write_timeout 30s, got %v", cfg.Listener.WriteTimeout)
	}
	if cfg.Registry.Type != "consul" || cfg.Registry.Consul.Address != "consul:8500" {
		t.Errorf("unexpected registry config %+v", cfg.Registry)
	}
	if cfg.Guard.MaxClockSkew != 5*time.Minute {
		t.Errorf("expected skew 5m, got %v", cfg.Guard.MaxClockSkew)
	}
	if len(cfg.Guard.RequestSources) != 2 {
		t.Errorf("expected 2 request sources, got %v", cfg.Guard.RequestSources)
	}
	if cfg.Auth.CacheKeyPrefix != "id:" {
		t.Errorf("expected cache prefix id:, got %s", cfg.Auth.CacheKeyPrefix)
	}
	if cfg.Identity.RetryAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", cfg.Identity.RetryAttempts)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].StripPrefix != "/api" {
		t.Errorf("unexpected routes %+v", cfg.Routes)
	}
}

func TestDefaultsAreApplied(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Auth.CacheKeyPrefix != "auth:identity:" {
		t.Errorf("expected default cache prefix, got %q", cfg.Auth.CacheKeyPrefix)
	}
	if cfg.Guard.MaxClockSkew != 10*time.Minute {
		t.Errorf("expected default skew 10m, got %v", cfg.Guard.MaxClockSkew)
	}
	if cfg.Balancer.Strategy != "round_robin" {
		t.Errorf("expected round_robin, got %s", cfg.Balancer.Strategy)
	}
	if cfg.Auth.LocalCacheTTL != 0 {
		t.Errorf("expected local cache disabled by default, got %v", cfg.Auth.LocalCacheTTL)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "from-env")
	t.Setenv("TEST_AUTH_URL", "http://auth.env/validate")

	yaml := `
auth:
  jwt:
    secret: ${TEST_JWT_SECRET}
identity:
  endpoint: ${TEST_AUTH_URL}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Auth.JWT.Secret != "from-env" {
		t.Errorf("expected secret from env, got %q", cfg.Auth.JWT.Secret)
	}
	if cfg.Identity.Endpoint != "http://auth.env/validate" {
		t.Errorf("expected endpoint from env, got %q", cfg.Identity.Endpoint)
	}
}

func TestLoaderKeepsUnsetEnvVars(t *testing.T) {
	l := NewLoader()
	got := l.expandEnvVars("secret: ${SURELY_UNSET_VARIABLE_XYZ}")
	if got != "secret: ${SURELY_UNSET_VARIABLE_XYZ}" {
		t.Errorf("unset variable should be preserved, got %q", got)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad registry",
			yaml:    minimalYAML + "registry:\n  type: zookeeper\n",
			wantErr: "invalid registry type",
		},
		{
			name:    "bad strategy",
			yaml:    minimalYAML + "balancer:\n  strategy: fastest\n",
			wantErr: "invalid balancer strategy",
		},
		{
			name:    "bad gray ratio",
			yaml:    minimalYAML + "gray:\n  traffic_ratio: 150\n",
			wantErr: "traffic_ratio",
		},
		{
			name:    "bad static ip",
			yaml:    minimalYAML + "access_gate:\n  static_ips: [\"not-an-ip\"]\n",
			wantErr: "invalid IP",
		},
		{
			name: "missing key material",
			yaml: `
auth:
  jwt:
    secret: ""
identity:
  endpoint: http://auth/validate
`,
			wantErr: "one of secret",
		},
		{
			name: "missing identity endpoint",
			yaml: `
auth:
  jwt:
    secret: x
`,
			wantErr: "identity.endpoint",
		},
		{
			name: "duplicate route",
			yaml: minimalYAML + `  - id: users
    path: /other/**
    service: other
`,
			wantErr: "duplicate route id",
		},
		{
			name:    "dns without domain",
			yaml:    minimalYAML + "registry:\n  type: dns\n",
			wantErr: "registry.dns.domain",
		},
		{
			name:    "bad cache mode",
			yaml:    minimalYAML + "redis:\n  mode: disk\n",
			wantErr: "invalid redis.mode",
		},
		{
			name:    "bad trusted proxy",
			yaml:    minimalYAML + "listener:\n  trusted_proxies: [\"10.0.0.0/33\"]\n",
			wantErr: "listener.trusted_proxies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAuthDisabledSkipsIdentityChecks(t *testing.T) {
	yaml := `
auth:
  enabled: false
`
	if _, err := NewLoader().Parse([]byte(yaml)); err != nil {
		t.Fatalf("expected disabled auth to pass validation, got %v", err)
	}
}

func TestBalancerForService(t *testing.T) {
	off := false
	bc := BalancerConfig{
		Strategy:       "round_robin",
		GrayVersion:    "gray",
		DefaultVersion: "stable",
		Services: map[string]ServiceConfig{
			"orders": {Strategy: "weighted", GrayEnabled: &off, DefaultVersion: "v1"},
		},
	}

	orders := bc.ForService("orders")
	if orders.Strategy != "weighted" || orders.IsGrayEnabled() || orders.DefaultVersion != "v1" {
		t.Errorf("unexpected override %+v", orders)
	}
	if orders.GrayVersion != "gray" {
		t.Errorf("expected inherited gray version, got %q", orders.GrayVersion)
	}

	users := bc.ForService("users")
	if users.Strategy != "round_robin" || !users.IsGrayEnabled() {
		t.Errorf("unexpected defaults %+v", users)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Routes[0].Service != "user-service" {
		t.Errorf("unexpected route %+v", cfg.Routes[0])
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	var calls atomic.Int32
	w.OnChange(func(cfg *Config) {
		if cfg.Gray.TrafficRatio == 25 {
			calls.Add(1)
		}
	})

	updated := minimalYAML + "gray:\n  enabled: true\n  traffic_ratio: 25\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Reload()

	if calls.Load() != 1 {
		t.Errorf("expected one callback, got %d", calls.Load())
	}
	if w.GetConfig().Gray.TrafficRatio != 25 {
		t.Errorf("expected current config to be updated")
	}

	// invalid content keeps the previous config
	if err := os.WriteFile(path, []byte("balancer:\n  strategy: nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Reload()
	if calls.Load() != 1 {
		t.Errorf("invalid config must not notify callbacks")
	}
	if w.GetConfig().Gray.TrafficRatio != 25 {
		t.Errorf("invalid config must not replace the current one")
	}
}
