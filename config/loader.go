package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
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
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
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

func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if cfg.Server.BaseDomain == "" {
		return fmt.Errorf("server.base_domain is required")
	}
	if !strings.HasPrefix(cfg.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /: %q", cfg.Server.BasePath)
	}
	if cfg.Store.Driver != "sqlite" {
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if cfg.RateLimit.WindowSec <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}
	if cfg.Upstream.TimeoutSec <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be positive")
	}
	for _, cidr := range cfg.Security.BlockedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			if net.ParseIP(cidr) == nil {
				return fmt.Errorf("security.blocked_cidrs entry %q is neither CIDR nor IP", cidr)
			}
		}
	}
	if b := cfg.Upstream.Breaker; b.Enabled {
		if b.FailureRatio <= 0 || b.FailureRatio > 1 {
			return fmt.Errorf("upstream.breaker.failure_ratio must be in (0, 1]")
		}
	}
	return nil
}
