package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/gatekeeper/internal/cache"
	"github.com/wudi/gatekeeper/internal/config"
)

func TestDiffConfig(t *testing.T) {
	old := config.DefaultConfig()
	old.Routes = []config.RouteConfig{
		{ID: "route-a", Path: "/a/**", Service: "a"},
		{ID: "route-b", Path: "/b/**", Service: "b"},
	}

	next := config.DefaultConfig()
	next.Routes = []config.RouteConfig{
		{ID: "route-a", Path: "/a/**", Service: "a2"},
		{ID: "route-c", Path: "/c/**", Service: "c"},
	}
	next.Gray.TrafficRatio = 20
	next.Redis.Address = "redis:6380"

	changes := diffConfig(old, next)

	assert.Equal(t, []string{
		"restart required: redis",
		"route added: route-c",
		"route modified: route-a",
		"route removed: route-b",
		"updated: gray",
	}, changes)
}

func TestDiffConfigSkipPathsAreLive(t *testing.T) {
	old := config.DefaultConfig()
	next := config.DefaultConfig()
	next.Auth.SkipPaths = []string{"/health"}

	assert.Equal(t, []string{"updated: auth.skip_paths"}, diffConfig(old, next))
}

func TestAppendReloadHistoryCapped(t *testing.T) {
	var history []ReloadResult
	for i := 0; i < maxReloadHistory+10; i++ {
		history = appendReloadHistory(history, ReloadResult{Error: fmt.Sprint(i)})
	}
	require.Len(t, history, maxReloadHistory)
	assert.Equal(t, "10", history[0].Error)
	assert.Equal(t, fmt.Sprint(maxReloadHistory+9), history[len(history)-1].Error)
}

func TestReloadSwapsRoutesAndPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.gw.Handler()

	rec := serve(h, clientRequest(t, http.MethodGet, "/v2/users/1", sign(t, "u-1")))
	require.Equal(t, http.StatusNotFound, rec.Code)

	next := *env.gw.Config()
	next.Routes = append([]config.RouteConfig{
		{ID: "users-v2", Path: "/v2/users/**", Service: "user-service", StripPrefix: "/v2"},
	}, next.Routes...)
	next.Guard.Enabled = false

	result := env.gw.Reload(&next)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Changes, "route added: users-v2")
	assert.Contains(t, result.Changes, "updated: guard")
	assert.Equal(t, []string{"accessgate", "tokenauth"}, env.gw.Filters())

	rec = serve(h, clientRequest(t, http.MethodGet, "/v2/users/1", sign(t, "u-1")))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "upstream:/users/1", rec.Body.String())
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	before := env.gw.Routes()

	next := *env.gw.Config()
	next.Routes = []config.RouteConfig{{ID: "broken", Path: "/a/[", Service: "x"}}

	result := env.gw.Reload(&next)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, before, env.gw.Routes())
}

func TestReloadCannotEnableAuth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.Enabled = false })

	next := *env.gw.Config()
	next.Auth.Enabled = true

	result := env.gw.Reload(&next)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "restart")
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Admin.Readiness.RequireRedis = true })
	admin := env.server.adminHandler()

	rec := serve(admin, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	checks := health["checks"].(map[string]any)
	assert.Equal(t, "closed", checks["identity_breaker"].(map[string]any)["state"])

	rec = serve(admin, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	env.mr.Close()

	rec = serve(admin, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")

	rec = serve(admin, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")
}

func TestReadyWithoutRedisRequirement(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mr.Close()

	rec := serve(env.server.adminHandler(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Routes[0].Timeout = 3 * time.Second })

	rec := serve(env.server.adminHandler(), httptest.NewRequest(http.MethodGet, "/admin/routes", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var routes []routeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Len(t, routes, 2)
	assert.Equal(t, routeView{
		ID: "users", Path: "/api/users/**", Service: "user-service", StripPrefix: "/api", Timeout: "3s",
	}, routes[0])
	assert.Equal(t, "public", routes[1].ID)
}

func TestAdminRegistryFeedsSelection(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Routes = append(c.Routes, config.RouteConfig{ID: "orders", Path: "/orders/**", Service: "order-service"})
	})
	admin := env.server.adminHandler()
	h := env.gw.Handler()

	rec := serve(h, clientRequest(t, http.MethodGet, "/orders/1", sign(t, "u-1")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	host, port := hostPort(t, env.upstream.URL)
	body := fmt.Sprintf(`{"service_id":"order-service","id":"order-1","host":%q,"port":%d}`, host, port)
	rec = serve(admin, httptest.NewRequest(http.MethodPost, "/admin/registry", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Eventually(t, func() bool {
		rec := serve(h, clientRequest(t, http.MethodGet, "/orders/1", sign(t, "u-1")))
		return rec.Code == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	rec = serve(admin, httptest.NewRequest(http.MethodGet, "/admin/services", nil))
	assert.Contains(t, rec.Body.String(), "order-1")
}

const reloadYAML = `
listener:
  address: ":0"
admin:
  address: ":0"
auth:
  enabled: false
registry:
  type: memory
routes:
  - id: users
    path: /api/users/**
    service: user-service
%s`

func writeConfig(t *testing.T, path, extraRoutes string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(reloadYAML, extraRoutes)), 0o600))
}

func TestAdminReloadFromFile(t *testing.T) {
	mr := miniredis.RunT(t)
	store := cache.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))

	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	writeConfig(t, path, "")
	cfg, err := config.NewLoader().Load(path)
	require.NoError(t, err)

	srv, err := NewServer(cfg, path, WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Gateway().Close(context.Background()) })
	admin := srv.adminHandler()

	rec := serve(admin, httptest.NewRequest(http.MethodGet, "/admin/reload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	writeConfig(t, path, `  - id: orders
    path: /orders/**
    service: order-service
`)
	rec = serve(admin, httptest.NewRequest(http.MethodPost, "/admin/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result ReloadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, []string{"route added: orders"}, result.Changes)
	assert.Len(t, srv.Gateway().Routes(), 2)

	require.NoError(t, os.WriteFile(path, []byte("routes: ["), 0o600))
	rec = serve(admin, httptest.NewRequest(http.MethodPost, "/admin/reload", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Len(t, srv.Gateway().Routes(), 2)

	rec = serve(admin, httptest.NewRequest(http.MethodGet, "/admin/reload/status", nil))
	var history []ReloadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 2)
	assert.True(t, history[0].Success)
	assert.False(t, history[1].Success)
}

func TestMemoryCacheMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = false
	cfg.Redis.Mode = "memory"
	cfg.Redis.MaxKeys = 64
	cfg.Logging.AccessLog.Enabled = false
	cfg.Routes = []config.RouteConfig{{ID: "users", Path: "/api/users/**", Service: "user-service"}}
	require.NoError(t, config.Validate(cfg))

	srv, err := NewServer(cfg, "")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Gateway().Close(context.Background()) })
	admin := srv.adminHandler()

	req := httptest.NewRequest(http.MethodPost, "/admin/blacklist",
		strings.NewReader(`{"scope":"path","pattern":"/api/users/**","ttl_seconds":60}`))
	require.Equal(t, http.StatusCreated, serve(admin, req).Code)

	rec := serve(srv.Gateway().Handler(), clientRequest(t, http.MethodGet, "/api/users/1", ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(admin, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	stats := health["checks"].(map[string]any)["redis"].(map[string]any)["stats"].(map[string]any)
	assert.EqualValues(t, 64, stats["max_size"])
	assert.EqualValues(t, 1, stats["size"])
}

func TestReloadPurgesLocalIdentities(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.LocalCacheTTL = time.Minute })
	h := env.gw.Handler()

	for i := 0; i < 2; i++ {
		rec := serve(h, clientRequest(t, http.MethodGet, "/api/users/1", sign(t, "u-1")))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.EqualValues(t, 1, env.idCalls.Load())
	assert.Equal(t, 1, env.gw.resolver.LocalLen())

	next := *env.gw.Config()
	require.True(t, env.gw.Reload(&next).Success)
	assert.Zero(t, env.gw.resolver.LocalLen())

	rec := serve(h, clientRequest(t, http.MethodGet, "/api/users/1", sign(t, "u-1")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, env.idCalls.Load())
}
