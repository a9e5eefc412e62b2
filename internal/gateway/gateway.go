package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/cache"
	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/gray"
	"github.com/wudi/gatekeeper/internal/identity"
	"github.com/wudi/gatekeeper/internal/loadbalancer"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/metrics"
	"github.com/wudi/gatekeeper/internal/middleware"
	"github.com/wudi/gatekeeper/internal/middleware/accessgate"
	"github.com/wudi/gatekeeper/internal/middleware/guard"
	"github.com/wudi/gatekeeper/internal/middleware/realip"
	"github.com/wudi/gatekeeper/internal/middleware/tokenauth"
	"github.com/wudi/gatekeeper/internal/proxy"
	"github.com/wudi/gatekeeper/internal/registry"
	"github.com/wudi/gatekeeper/internal/registry/consul"
	"github.com/wudi/gatekeeper/internal/registry/dns"
	"github.com/wudi/gatekeeper/internal/registry/etcd"
	"github.com/wudi/gatekeeper/internal/registry/kubernetes"
	"github.com/wudi/gatekeeper/internal/registry/memory"
	"github.com/wudi/gatekeeper/internal/tracing"
	"github.com/wudi/gatekeeper/internal/variables"
	"github.com/wudi/gatekeeper/internal/workerpool"
)

// Gateway wires the inbound pipeline in front of the dispatcher.
type Gateway struct {
	mu     sync.RWMutex
	config *config.Config

	store   cache.Store
	pool    *workerpool.Pool
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	realIP  *realip.Resolver

	registry registry.Registry
	memory   *memory.Registry // set when the registry type is memory
	snapshot *registry.Snapshot

	identity   *identity.Client
	resolver   *tokenauth.Resolver
	selector   *loadbalancer.Selector
	dispatcher *proxy.Dispatcher

	gate     atomic.Pointer[accessgate.Gate]
	pipeline atomic.Pointer[middleware.Pipeline]
}

// Option customizes a Gateway under construction.
type Option func(*Gateway)

// WithStore replaces the Redis-backed shared cache.
func WithStore(store cache.Store) Option {
	return func(g *Gateway) { g.store = store }
}

// New builds every component named by cfg.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{config: cfg}
	for _, opt := range opts {
		opt(g)
	}

	realIP, err := realip.New(cfg.Listener.TrustedProxies, cfg.Listener.ClientIPHeaders, cfg.Listener.MaxForwardHops)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	g.realIP = realIP
	if cfg.AccessGate.Enabled && cfg.AccessGate.IPEnabled && len(cfg.Listener.TrustedProxies) == 0 {
		logging.Warn("IP blacklist enabled without trusted_proxies; client-supplied X-Forwarded-For is believed",
			zap.Strings("client_ip_headers", cfg.Listener.ClientIPHeaders),
		)
	}

	if cfg.Admin.Metrics.Enabled {
		g.metrics = metrics.NewCollector()
	}

	if g.store == nil {
		if cfg.Redis.Mode == "memory" {
			logging.Warn("Using in-process cache; blacklist entries are not shared between instances")
			g.store = cache.NewMemoryStore(cfg.Redis.MaxKeys)
		} else {
			g.store = cache.NewRedisStore(cache.NewRedisClient(cfg.Redis)).WithScanCount(cfg.AccessGate.ScanCount)
		}
	}

	g.pool = workerpool.New(cfg.WorkerPool.Size)
	g.metrics.ObservePool(g.pool.InFlight)

	reg, err := newRegistry(cfg.Registry)
	if err != nil {
		g.closeEarly()
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}
	g.registry = reg
	if mem, ok := g.registry.(*memory.Registry); ok {
		g.memory = mem
	}
	g.snapshot = registry.NewSnapshot(g.registry)

	g.tracer, err = tracing.New(cfg.Tracing)
	if err != nil {
		g.closeEarly()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if cfg.Auth.Enabled {
		if err := g.initAuth(cfg); err != nil {
			g.closeEarly()
			return nil, fmt.Errorf("failed to initialize auth: %w", err)
		}
	}

	table, err := proxy.NewTable(cfg.Routes)
	if err != nil {
		g.closeEarly()
		return nil, fmt.Errorf("failed to initialize routes: %w", err)
	}

	g.selector = loadbalancer.NewSelector(cfg.Balancer, g.snapshot, g.metrics)
	g.dispatcher = proxy.NewDispatcher(table, gray.NewPolicy(cfg.Gray), g.selector,
		proxy.NewTransport(cfg.Upstream), cfg.Upstream.RequestTimeout)

	g.gate.Store(accessgate.New(cfg.AccessGate, g.store, g.pool, g.metrics))
	g.pipeline.Store(g.buildPipeline(cfg))

	return g, nil
}

func (g *Gateway) initAuth(cfg *config.Config) error {
	verifier, err := tokenauth.NewVerifier(cfg.Auth.JWT)
	if err != nil {
		return err
	}
	g.identity = identity.NewClient(cfg.Identity)
	g.resolver = tokenauth.NewResolver(cfg.Auth, verifier, g.store, g.identity, g.pool, g.metrics)
	return nil
}

// newRegistry picks the discovery backend named by cfg.Type.
func newRegistry(cfg config.RegistryConfig) (registry.Registry, error) {
	switch registry.Type(cfg.Type) {
	case "", registry.TypeMemory:
		return memory.NewFromConfig(cfg.Memory), nil
	case registry.TypeConsul:
		reg, err := consul.New(cfg.Consul)
		if err != nil {
			return nil, err
		}
		return reg, nil
	case registry.TypeEtcd:
		reg, err := etcd.New(cfg.Etcd)
		if err != nil {
			return nil, err
		}
		return reg, nil
	case registry.TypeKubernetes:
		reg, err := kubernetes.New(cfg.Kubernetes)
		if err != nil {
			return nil, err
		}
		return reg, nil
	case registry.TypeDNS:
		reg, err := dns.New(cfg.DNS)
		if err != nil {
			return nil, err
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Type)
	}
}

// buildPipeline assembles the enabled filters for cfg. The access gate is
// the one currently stored on g.
func (g *Gateway) buildPipeline(cfg *config.Config) *middleware.Pipeline {
	var filters []middleware.Filter
	if cfg.Guard.Enabled {
		filters = append(filters, guard.New(cfg.Guard, g.metrics))
	}
	if cfg.AccessGate.Enabled {
		filters = append(filters, g.gate.Load())
	}
	if cfg.Auth.Enabled && g.resolver != nil {
		filters = append(filters, tokenauth.NewFilter(g.resolver, cfg.Auth.SkipPaths))
	}
	return middleware.NewPipeline(filters...).OnReject(logRejection)
}

func logRejection(filter string, r *http.Request, err *errors.GatewayError) {
	variables.Logger(r.Context()).Debug("request rejected",
		zap.String("filter", filter),
		zap.Int("status", err.Status),
		zap.Int("code", err.Code),
		zap.String("reason", err.Message),
	)
}

// Handler returns the public request handler.
func (g *Gateway) Handler() http.Handler {
	g.mu.RLock()
	accessLog := g.config.Logging.AccessLog
	g.mu.RUnlock()

	inbound := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.pipeline.Load().Handler(next).ServeHTTP(w, r)
		})
	}

	chain := middleware.NewChain(
		middleware.RequestID(),
		g.realIP.Middleware(),
		middleware.Recovery(),
		g.tracer.Middleware(),
		middleware.AccessLog(accessLog),
	)
	if g.metrics != nil {
		chain = chain.Append(g.metricsMiddleware())
	}
	return chain.Append(g.tracer.SpanMiddleware("inbound.pipeline", inbound)).Then(g.dispatcher)
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (g *Gateway) metricsMiddleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			var route string
			if vc := variables.FromContext(r.Context()); vc != nil {
				route = vc.RouteID
			}
			g.metrics.RecordRequest(route, r.Method, rec.statusCode, time.Since(start))
		})
	}
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Filters returns the active filter names in execution order.
func (g *Gateway) Filters() []string {
	return g.pipeline.Load().Names()
}

// Gate returns the active access gate.
func (g *Gateway) Gate() *accessgate.Gate {
	return g.gate.Load()
}

// Routes returns the active route table.
func (g *Gateway) Routes() []*proxy.Route {
	return g.dispatcher.Table().Routes()
}

// Services returns the instances currently known per watched service.
func (g *Gateway) Services() map[string][]*registry.Instance {
	return g.snapshot.Services()
}

// Metrics returns the collector, or nil when metrics are disabled.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// MemoryRegistry returns the in-memory registry, or nil for other backends.
func (g *Gateway) MemoryRegistry() *memory.Registry {
	return g.memory
}

// StoreStats returns occupancy of an in-process cache. ok is false for Redis.
func (g *Gateway) StoreStats() (cache.StoreStats, bool) {
	mem, ok := g.store.(*cache.MemoryStore)
	if !ok {
		return cache.StoreStats{}, false
	}
	return mem.Stats(), true
}

// PingStore checks the shared cache.
func (g *Gateway) PingStore(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// BreakerState reports the identity client breaker and mirrors it into the
// breaker gauge. It returns "disabled" when auth is off.
func (g *Gateway) BreakerState() string {
	if g.identity == nil {
		return "disabled"
	}
	state := g.identity.BreakerState()
	g.metrics.SetBreakerOpen("identity", state == "open")
	return state
}

// Close releases every component. The worker pool is drained until ctx ends.
func (g *Gateway) Close(ctx context.Context) error {
	if g.snapshot != nil {
		g.snapshot.Close()
	}
	if g.resolver != nil {
		g.resolver.Close()
	}
	if err := g.pool.Close(ctx); err != nil {
		logging.Warn("worker pool did not drain", zap.Error(err))
	}
	if err := g.tracer.Close(ctx); err != nil {
		logging.Warn("tracer shutdown failed", zap.Error(err))
	}
	if err := g.registry.Close(); err != nil {
		logging.Warn("registry close failed", zap.Error(err))
	}
	return g.store.Close()
}

// closeEarly releases what New built before failing.
func (g *Gateway) closeEarly() {
	if g.snapshot != nil {
		g.snapshot.Close()
	}
	if g.registry != nil {
		g.registry.Close()
	}
	if g.store != nil {
		g.store.Close()
	}
}
