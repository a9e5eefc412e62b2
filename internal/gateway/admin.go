package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)

	cfg := s.gateway.Config().Admin
	if m := s.gateway.Metrics(); m != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, m.Handler())
	}

	// The gate is rebuilt on reload, so resolve it per request.
	blacklist := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.gateway.Gate().Handler().ServeHTTP(w, r)
	})
	mux.Handle("/admin/blacklist", blacklist)
	mux.Handle("/admin/blacklist/", blacklist)

	mux.HandleFunc("/admin/routes", s.handleRoutes)
	mux.HandleFunc("/admin/services", s.handleServices)
	mux.HandleFunc("/admin/reload", s.handleReload)
	mux.HandleFunc("/admin/reload/status", s.handleReloadStatus)

	if mem := s.gateway.MemoryRegistry(); mem != nil {
		h := http.StripPrefix("/admin/registry", mem.Handler())
		mux.Handle("/admin/registry", h)
		mux.Handle("/admin/registry/", h)
	}

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// handleHealth reports liveness plus the state of shared dependencies.
// Only the shared cache can mark the gateway degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]any)
	healthy := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	redisStatus := map[string]any{}
	if err := s.gateway.PingStore(ctx); err != nil {
		healthy = false
		redisStatus["error"] = err.Error()
	}
	redisStatus["status"] = boolStatus(healthy)
	if stats, ok := s.gateway.StoreStats(); ok {
		redisStatus["stats"] = stats
	}
	checks["redis"] = redisStatus

	checks["identity_breaker"] = map[string]any{"state": s.gateway.BreakerState()}
	checks["filters"] = s.gateway.Filters()

	status := http.StatusOK
	statusStr := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusStr = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

// handleReady fails only when Redis is required and unreachable: the
// filters fail open, so the gateway can serve without it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	readyCfg := s.gateway.Config().Admin.Readiness

	ready := true
	var reasons []string
	if readyCfg.RequireRedis {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.gateway.PingStore(ctx); err != nil {
			ready = false
			reasons = append(reasons, "redis unavailable: "+err.Error())
		}
	}

	response := map[string]any{
		"routes": len(s.gateway.Routes()),
	}
	if ready {
		response["status"] = "ready"
		writeJSON(w, http.StatusOK, response)
		return
	}
	response["status"] = "not_ready"
	response["reasons"] = reasons
	writeJSON(w, http.StatusServiceUnavailable, response)
}

type routeView struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Service     string `json:"service"`
	StripPrefix string `json:"strip_prefix,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// handleRoutes lists the active route table in match order.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.gateway.Routes()
	out := make([]routeView, 0, len(routes))
	for _, rt := range routes {
		v := routeView{ID: rt.ID, Path: rt.Path, Service: rt.Service, StripPrefix: rt.StripPrefix}
		if rt.Timeout > 0 {
			v.Timeout = rt.Timeout.String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleServices lists the instances seen so far per service.
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Services())
}

// handleReload handles config reload requests (POST only).
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result := s.ReloadConfig()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// handleReloadStatus returns the reload history.
func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}
