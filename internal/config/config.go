package config

import (
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Listener   ListenerConfig   `yaml:"listener"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
	Redis      RedisConfig      `yaml:"redis"`
	Registry   RegistryConfig   `yaml:"registry"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Guard      GuardConfig      `yaml:"guard"`
	AccessGate AccessGateConfig `yaml:"access_gate"`
	Auth       AuthConfig       `yaml:"auth"`
	Identity   IdentityConfig   `yaml:"identity"`
	Gray       GrayConfig       `yaml:"gray"`
	Balancer   BalancerConfig   `yaml:"balancer"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Routes     []RouteConfig    `yaml:"routes"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
}

// ListenerConfig defines the public HTTP listener.
type ListenerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	// TrustedProxies lists CIDRs or IPs whose forwarding headers are believed.
	// Empty means the first X-Forwarded-For entry is used as-is.
	TrustedProxies  []string `yaml:"trusted_proxies"`
	ClientIPHeaders []string `yaml:"client_ip_headers"`
	MaxForwardHops  int      `yaml:"max_forward_hops"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Address   string          `yaml:"address"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Readiness ReadinessConfig `yaml:"readiness"`
}

// MetricsConfig defines Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// ReadinessConfig defines readiness probe settings.
type ReadinessConfig struct {
	RequireRedis bool `yaml:"require_redis"`
}

// LoggingConfig defines logger and access log settings.
type LoggingConfig struct {
	Level     string            `yaml:"level"`
	Encoding  string            `yaml:"encoding"` // json, console
	Output    string            `yaml:"output"`   // stdout, stderr or a file path
	AccessLog AccessLogConfig   `yaml:"access_log"`
	Rotation  LogRotationConfig `yaml:"rotation"`
}

// AccessLogConfig controls the per-request access log line.
type AccessLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // $variable template, empty logs structured fields only
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// RedisConfig defines the shared cache connection.
type RedisConfig struct {
	// Mode is "redis" (default) or "memory". Memory keeps blacklist and
	// identity entries in-process and suits single-node deployments only.
	Mode         string        `yaml:"mode"`
	MaxKeys      int           `yaml:"max_keys"` // memory mode only
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	TLS          bool          `yaml:"tls"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RegistryConfig defines service registry settings
type RegistryConfig struct {
	Type       string           `yaml:"type"` // memory, consul, etcd, kubernetes, dns
	Consul     ConsulConfig     `yaml:"consul"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	DNS        DNSSRVConfig     `yaml:"dns"`
	Memory     MemoryConfig     `yaml:"memory"`
}

// ConsulConfig defines Consul-specific settings
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
	Namespace  string `yaml:"namespace"`
}

// EtcdConfig defines etcd-specific settings
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Prefix      string        `yaml:"prefix"` // default "/services/"
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// KubernetesConfig defines Kubernetes-specific settings
type KubernetesConfig struct {
	Namespace     string `yaml:"namespace"`
	LabelSelector string `yaml:"label_selector"`
	InCluster     bool   `yaml:"in_cluster"`
	KubeConfig    string `yaml:"kubeconfig"`
}

// DNSSRVConfig defines DNS SRV discovery settings.
type DNSSRVConfig struct {
	Domain       string        `yaml:"domain"`
	Protocol     string        `yaml:"protocol"` // default "tcp"
	Nameserver   string        `yaml:"nameserver"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MemoryConfig seeds the in-memory registry.
type MemoryConfig struct {
	Services map[string][]InstanceConfig `yaml:"services"`
}

// InstanceConfig is a statically declared service instance.
type InstanceConfig struct {
	ID       string            `yaml:"id"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Metadata map[string]string `yaml:"metadata"`
}

// WorkerPoolConfig bounds blocking I/O issued by the filters.
type WorkerPoolConfig struct {
	Size int64 `yaml:"size"`
}

// GuardConfig configures request screening.
type GuardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequireHeaders bool          `yaml:"require_headers"`
	RequestSources []string      `yaml:"request_sources"`
	APIVersions    []string      `yaml:"api_versions"`
	MaxClockSkew   time.Duration `yaml:"max_clock_skew"`
	ScannerAgents  []string      `yaml:"scanner_agents"`
	SkipPaths      []string      `yaml:"skip_paths"` // bypass the required header check only
}

// AccessGateConfig configures IP, user and path blacklists.
type AccessGateConfig struct {
	Enabled          bool          `yaml:"enabled"`
	IPEnabled        bool          `yaml:"ip_enabled"`
	UserEnabled      bool          `yaml:"user_enabled"`
	PathEnabled      bool          `yaml:"path_enabled"`
	StaticIPs        []string      `yaml:"static_ips"`
	StaticPaths      []string      `yaml:"static_paths"`
	ScanCount        int64         `yaml:"scan_count"`
	DefaultTTL       time.Duration `yaml:"default_ttl"` // admin writes without an explicit ttl
	ErrorLogInterval time.Duration `yaml:"error_log_interval"`
}

// AuthConfig configures bearer token resolution.
type AuthConfig struct {
	Enabled        bool          `yaml:"enabled"`
	JWT            JWTConfig     `yaml:"jwt"`
	CacheKeyPrefix string        `yaml:"cache_key_prefix"`
	LocalCacheTTL  time.Duration `yaml:"local_cache_ttl"` // 0 disables the in-process cache
	LocalCacheSize int           `yaml:"local_cache_size"`
	SkipPaths      []string      `yaml:"skip_paths"`
}

// JWTConfig defines JWT authentication settings
type JWTConfig struct {
	Secret              string        `yaml:"secret"`
	PublicKey           string        `yaml:"public_key"`
	Issuer              string        `yaml:"issuer"`
	Audience            []string      `yaml:"audience"`
	Algorithm           string        `yaml:"algorithm"`             // HS256, RS256
	JWKSURL             string        `yaml:"jwks_url"`              // JWKS endpoint for dynamic key fetching
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval"` // default 1h
	Leeway              time.Duration `yaml:"leeway"`
}

// IdentityConfig defines the remote authentication service client.
type IdentityConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts uint          `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// BreakerConfig defines circuit breaker settings for the identity client.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"` // consecutive failures before opening
	MaxRequests      uint32        `yaml:"max_requests"`      // probes allowed while half-open
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"` // open state duration
}

// GrayConfig defines gray release eligibility.
type GrayConfig struct {
	Enabled       bool     `yaml:"enabled"`
	TrafficRatio  int      `yaml:"traffic_ratio"` // percentage 0-100
	UserWhitelist []string `yaml:"user_whitelist"`
	UserBlacklist []string `yaml:"user_blacklist"`
	IPWhitelist   []string `yaml:"ip_whitelist"`
	IPBlacklist   []string `yaml:"ip_blacklist"`
}

// BalancerConfig defines instance selection defaults and per-service overrides.
type BalancerConfig struct {
	Strategy       string                   `yaml:"strategy"`
	GrayVersion    string                   `yaml:"gray_version"`
	DefaultVersion string                   `yaml:"default_version"`
	Services       map[string]ServiceConfig `yaml:"services"`
}

// ServiceConfig overrides balancer settings for one service.
type ServiceConfig struct {
	Strategy       string `yaml:"strategy"`
	GrayEnabled    *bool  `yaml:"gray_enabled"` // default true
	GrayVersion    string `yaml:"gray_version"`
	DefaultVersion string `yaml:"default_version"`
}

// ForService returns the effective settings for serviceID.
func (b BalancerConfig) ForService(serviceID string) ServiceConfig {
	enabled := true
	out := ServiceConfig{
		Strategy:       b.Strategy,
		GrayEnabled:    &enabled,
		GrayVersion:    b.GrayVersion,
		DefaultVersion: b.DefaultVersion,
	}
	sc, ok := b.Services[serviceID]
	if !ok {
		return out
	}
	if sc.Strategy != "" {
		out.Strategy = sc.Strategy
	}
	if sc.GrayEnabled != nil {
		v := *sc.GrayEnabled
		out.GrayEnabled = &v
	}
	if sc.GrayVersion != "" {
		out.GrayVersion = sc.GrayVersion
	}
	if sc.DefaultVersion != "" {
		out.DefaultVersion = sc.DefaultVersion
	}
	return out
}

// IsGrayEnabled reports the effective gray flag; nil means enabled.
func (s ServiceConfig) IsGrayEnabled() bool {
	return s.GrayEnabled == nil || *s.GrayEnabled
}

// UpstreamConfig tunes the transport used to reach service instances.
type UpstreamConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	RequestTimeout        time.Duration `yaml:"request_timeout"` // routes without their own timeout
}

// RouteConfig maps a path pattern to a registry service.
type RouteConfig struct {
	ID          string        `yaml:"id"`
	Path        string        `yaml:"path"` // doublestar pattern
	Service     string        `yaml:"service"`
	StripPrefix string        `yaml:"strip_prefix"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// ShutdownConfig defines graceful shutdown settings.
type ShutdownConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	DrainDelay time.Duration `yaml:"drain_delay"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
			Output:   "stdout",
			AccessLog: AccessLogConfig{
				Enabled: true,
			},
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Redis: RedisConfig{
			Mode:         "redis",
			MaxKeys:      100000,
			Address:      "localhost:6379",
			PoolSize:     20,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Registry: RegistryConfig{
			Type: "memory",
			Consul: ConsulConfig{
				Address:    "localhost:8500",
				Scheme:     "http",
				Datacenter: "dc1",
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/services/",
				DialTimeout: 5 * time.Second,
			},
			Kubernetes: KubernetesConfig{
				Namespace: "default",
				InCluster: true,
			},
			DNS: DNSSRVConfig{
				Protocol:     "tcp",
				PollInterval: 30 * time.Second,
			},
		},
		WorkerPool: WorkerPoolConfig{
			Size: 64,
		},
		Guard: GuardConfig{
			Enabled:        true,
			RequireHeaders: true,
			RequestSources: []string{"web", "h5", "ios", "android", "miniapp", "admin"},
			APIVersions:    []string{"v1.0", "v1.1", "v2.0"},
			MaxClockSkew:   10 * time.Minute,
			ScannerAgents: []string{
				"sqlmap", "nikto", "nmap", "masscan", "acunetix", "nessus",
				"w3af", "dirbuster", "gobuster", "wpscan", "havij", "zgrab",
			},
		},
		AccessGate: AccessGateConfig{
			Enabled:          true,
			IPEnabled:        true,
			UserEnabled:      true,
			PathEnabled:      true,
			ScanCount:        100,
			DefaultTTL:       24 * time.Hour,
			ErrorLogInterval: 10 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: true,
			JWT: JWTConfig{
				Algorithm:           "HS256",
				JWKSRefreshInterval: time.Hour,
			},
			CacheKeyPrefix: "auth:identity:",
			LocalCacheSize: 10000,
		},
		Identity: IdentityConfig{
			Timeout:       2 * time.Second,
			RetryAttempts: 2,
			RetryDelay:    50 * time.Millisecond,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				MaxRequests:      1,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
			},
		},
		Gray: GrayConfig{
			TrafficRatio: 0,
		},
		Balancer: BalancerConfig{
			Strategy:       "round_robin",
			GrayVersion:    "gray",
			DefaultVersion: "stable",
		},
		Upstream: UpstreamConfig{
			DialTimeout:         5 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 32,
			RequestTimeout:      30 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "gatekeeper",
			SampleRate:  1.0,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}
