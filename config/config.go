package config

// Config is the root gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	CORS      CORSConfig      `yaml:"cors"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Usage     UsageConfig     `yaml:"usage"`
	Features  FeatureFlags    `yaml:"features"`
}

// ServerConfig holds the listener and routing identity settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AdminAddr  string `yaml:"admin_addr"`
	// BaseDomain is the gateway's own domain; subdomain routing strips it
	// to find the API slug (e.g. weather-v1.hubgate.dev).
	BaseDomain string `yaml:"base_domain"`
	// BasePath is the path-routing prefix (e.g. /api/weather-v1/...).
	BasePath string `yaml:"base_path"`
	// DefaultAPIVersion is attached to upstream requests that carry no
	// explicit version header.
	DefaultAPIVersion  string `yaml:"default_api_version"`
	ReadTimeoutSec     int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSec    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig configures the shared counter store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig configures the marketplace record store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CORSConfig holds the gateway-level allowed-origin set. Origins are
// configuration in this version, not per-API data.
type CORSConfig struct {
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAgeSec        int      `yaml:"max_age_seconds"`
}

// SecurityConfig configures the request security filter.
type SecurityConfig struct {
	// BlockedCIDRs are source addresses rejected with 403.
	BlockedCIDRs []string `yaml:"blocked_cidrs"`
}

// RateLimitConfig holds gateway-wide limiter settings. Per-subscriber
// ceilings come from the pricing plan; these are the fallbacks.
type RateLimitConfig struct {
	// WindowSec is the trailing window the per-second ceiling is
	// enforced over.
	WindowSec int `yaml:"window_seconds"`
	// AnonymousRate is the per-second ceiling for keyless access.
	AnonymousRate  int `yaml:"anonymous_rate"`
	AnonymousBurst int `yaml:"anonymous_burst"`
}

// UpstreamConfig configures forwarding to backend APIs.
type UpstreamConfig struct {
	TimeoutSec int           `yaml:"timeout_seconds"`
	Breaker    BreakerConfig `yaml:"breaker"`

	MaxIdleConns        int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`
	IdleConnTimeoutSec  int `yaml:"idle_conn_timeout_seconds"`
}

// BreakerConfig configures the per-API circuit breaker.
type BreakerConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxRequests int  `yaml:"max_requests"`
	IntervalSec int  `yaml:"interval_seconds"`
	TimeoutSec  int  `yaml:"timeout_seconds"`
	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  int     `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// UsageConfig configures the asynchronous usage recorder.
type UsageConfig struct {
	BufferSize      int    `yaml:"buffer_size"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
	LogFile         string `yaml:"log_file"`
	LogMaxSizeMB    int    `yaml:"log_max_size_mb"`
	LogMaxBackups   int    `yaml:"log_max_backups"`
	LogMaxAgeDays   int    `yaml:"log_max_age_days"`
}

// FeatureFlags toggles pipeline stages. All default to on.
type FeatureFlags struct {
	Security  *bool `yaml:"security"`
	CORS      *bool `yaml:"cors"`
	RateLimit *bool `yaml:"rate_limit"`
	Quota     *bool `yaml:"quota"`
	Metrics   *bool `yaml:"metrics"`
}

// Enabled reports a flag's effective value (nil means on).
func Enabled(f *bool) bool {
	return f == nil || *f
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         ":8080",
			AdminAddr:          ":9090",
			BaseDomain:         "localhost",
			BasePath:           "/api",
			DefaultAPIVersion:  "v1",
			ReadTimeoutSec:     60,
			WriteTimeoutSec:    60,
			ShutdownTimeoutSec: 15,
		},
		Logging: LoggingConfig{Level: "info"},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "hubgate.db",
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			MaxAgeSec:    86400,
		},
		RateLimit: RateLimitConfig{
			WindowSec:      60,
			AnonymousRate:  1,
			AnonymousBurst: 5,
		},
		Upstream: UpstreamConfig{
			TimeoutSec:          30,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeoutSec:  90,
			Breaker: BreakerConfig{
				MaxRequests:  3,
				IntervalSec:  60,
				TimeoutSec:   30,
				MinRequests:  10,
				FailureRatio: 0.6,
			},
		},
		Usage: UsageConfig{
			BufferSize:      4096,
			BatchSize:       128,
			FlushIntervalMS: 1000,
			LogMaxSizeMB:    100,
			LogMaxBackups:   5,
			LogMaxAgeDays:   30,
		},
	}
}
