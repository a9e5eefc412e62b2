package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

var (
	validRegistryTypes = map[string]bool{
		"memory":     true,
		"consul":     true,
		"etcd":       true,
		"kubernetes": true,
		"dns":        true,
	}

	validStrategies = map[string]bool{
		"round_robin":       true,
		"random":            true,
		"weighted":          true,
		"least_connections": true,
		"consistent_hash":   true,
	}

	validAlgorithms = map[string]bool{
		"HS256": true, "HS384": true, "HS512": true,
		"RS256": true, "RS384": true, "RS512": true,
		"ES256": true, "ES384": true, "ES512": true,
	}

	validLevels = map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener.address is required")
	}
	for _, p := range cfg.Listener.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("listener.trusted_proxies: invalid entry %q", p)
			}
		}
	}
	if cfg.Listener.MaxForwardHops < 0 {
		return fmt.Errorf("listener.max_forward_hops must be >= 0")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}
	if cfg.Logging.Level != "" && !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}
	if cfg.Logging.Encoding != "" && cfg.Logging.Encoding != "json" && cfg.Logging.Encoding != "console" {
		return fmt.Errorf("invalid logging encoding: %s", cfg.Logging.Encoding)
	}

	switch cfg.Redis.Mode {
	case "", "redis":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("redis.address is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid redis.mode: %s", cfg.Redis.Mode)
	}

	if err := validateRegistry(cfg.Registry); err != nil {
		return err
	}

	if cfg.WorkerPool.Size <= 0 {
		return fmt.Errorf("worker_pool.size must be > 0")
	}

	if err := validateGuard(cfg.Guard); err != nil {
		return err
	}
	if err := validateAccessGate(cfg.AccessGate); err != nil {
		return err
	}
	if err := validateAuth(cfg.Auth, cfg.Identity); err != nil {
		return err
	}

	if cfg.Gray.TrafficRatio < 0 || cfg.Gray.TrafficRatio > 100 {
		return fmt.Errorf("gray.traffic_ratio must be between 0 and 100, got %d", cfg.Gray.TrafficRatio)
	}

	if !validStrategies[cfg.Balancer.Strategy] {
		return fmt.Errorf("invalid balancer strategy: %s", cfg.Balancer.Strategy)
	}
	for name, sc := range cfg.Balancer.Services {
		if sc.Strategy != "" && !validStrategies[sc.Strategy] {
			return fmt.Errorf("balancer.services.%s: invalid strategy: %s", name, sc.Strategy)
		}
	}

	routeIDs := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true
		if route.Path == "" {
			return fmt.Errorf("route %s: path is required", route.ID)
		}
		if !doublestar.ValidatePattern(route.Path) {
			return fmt.Errorf("route %s: invalid path pattern %q", route.ID, route.Path)
		}
		if route.Service == "" {
			return fmt.Errorf("route %s: service is required", route.ID)
		}
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func validateRegistry(rc RegistryConfig) error {
	if rc.Type == "" {
		return nil
	}
	if !validRegistryTypes[rc.Type] {
		return fmt.Errorf("invalid registry type: %s", rc.Type)
	}
	switch rc.Type {
	case "dns":
		if rc.DNS.Domain == "" {
			return fmt.Errorf("registry.dns.domain is required")
		}
	case "etcd":
		if len(rc.Etcd.Endpoints) == 0 {
			return fmt.Errorf("registry.etcd.endpoints is required")
		}
	case "memory":
		for svc, instances := range rc.Memory.Services {
			for i, inst := range instances {
				if inst.Host == "" || inst.Port <= 0 {
					return fmt.Errorf("registry.memory.services.%s[%d]: host and port are required", svc, i)
				}
			}
		}
	}
	return nil
}

func validateGuard(gc GuardConfig) error {
	if !gc.Enabled {
		return nil
	}
	if gc.RequireHeaders {
		if len(gc.RequestSources) == 0 {
			return fmt.Errorf("guard.request_sources must not be empty")
		}
		if len(gc.APIVersions) == 0 {
			return fmt.Errorf("guard.api_versions must not be empty")
		}
		if gc.MaxClockSkew <= 0 {
			return fmt.Errorf("guard.max_clock_skew must be > 0")
		}
	}
	for _, p := range gc.SkipPaths {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("guard.skip_paths: invalid pattern %q", p)
		}
	}
	return nil
}

func validateAccessGate(ac AccessGateConfig) error {
	if !ac.Enabled {
		return nil
	}
	for _, ip := range ac.StaticIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("access_gate.static_ips: invalid IP %q", ip)
		}
	}
	for _, p := range ac.StaticPaths {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("access_gate.static_paths: invalid pattern %q", p)
		}
	}
	if ac.DefaultTTL <= 0 {
		return fmt.Errorf("access_gate.default_ttl must be > 0")
	}
	return nil
}

func validateAuth(ac AuthConfig, ic IdentityConfig) error {
	if !ac.Enabled {
		return nil
	}
	jwt := ac.JWT
	if jwt.Secret == "" && jwt.PublicKey == "" && jwt.JWKSURL == "" {
		return fmt.Errorf("auth.jwt: one of secret, public_key or jwks_url is required")
	}
	if jwt.JWKSURL == "" && !validAlgorithms[jwt.Algorithm] {
		return fmt.Errorf("auth.jwt: unsupported algorithm %s", jwt.Algorithm)
	}
	if ac.CacheKeyPrefix == "" {
		return fmt.Errorf("auth.cache_key_prefix is required")
	}
	if ac.LocalCacheTTL > 0 && ac.LocalCacheSize <= 0 {
		return fmt.Errorf("auth.local_cache_size must be > 0 when local_cache_ttl is set")
	}
	for _, p := range ac.SkipPaths {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("auth.skip_paths: invalid pattern %q", p)
		}
	}
	if ic.Endpoint == "" {
		return fmt.Errorf("identity.endpoint is required when auth is enabled")
	}
	if ic.Timeout <= 0 {
		return fmt.Errorf("identity.timeout must be > 0")
	}
	return nil
}
