package config

import (
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	l := NewLoader()
	cfg, err := l.Parse([]byte(`
server:
  base_domain: "hubgate.dev"
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.BasePath != "/api" {
		t.Errorf("base path %q", cfg.Server.BasePath)
	}
	if cfg.Upstream.TimeoutSec != 30 {
		t.Errorf("upstream timeout %d", cfg.Upstream.TimeoutSec)
	}
	if cfg.RateLimit.WindowSec != 60 {
		t.Errorf("window %d", cfg.RateLimit.WindowSec)
	}
}

func TestParseOverrides(t *testing.T) {
	l := NewLoader()
	cfg, err := l.Parse([]byte(`
server:
  listen_addr: ":9999"
  base_domain: "gw.example.com"
  base_path: "/v1"
rate_limit:
  window_seconds: 10
  anonymous_rate: 3
features:
  quota: false
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("listen addr %q", cfg.Server.ListenAddr)
	}
	if cfg.RateLimit.WindowSec != 10 || cfg.RateLimit.AnonymousRate != 3 {
		t.Errorf("rate limit %+v", cfg.RateLimit)
	}
	if Enabled(cfg.Features.Quota) {
		t.Error("quota flag should be off")
	}
	if !Enabled(cfg.Features.RateLimit) {
		t.Error("unset flags default to on")
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("HUBGATE_TEST_ADDR", "redis.internal:6379")

	l := NewLoader()
	cfg, err := l.Parse([]byte(`
server:
  base_domain: "hubgate.dev"
redis:
  enabled: true
  addr: "${HUBGATE_TEST_ADDR}"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("addr %q", cfg.Redis.Addr)
	}
}

func TestParseKeepsUnsetEnvReference(t *testing.T) {
	l := NewLoader()
	cfg, err := l.Parse([]byte(`
server:
  base_domain: "hubgate.dev"
redis:
  addr: "${HUBGATE_NOT_SET_ANYWHERE}"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "${HUBGATE_NOT_SET_ANYWHERE}" {
		t.Errorf("unset references must survive verbatim, got %q", cfg.Redis.Addr)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing base domain", `
server:
  base_domain: ""
`},
		{"bad base path", `
server:
  base_domain: "hubgate.dev"
  base_path: "api"
`},
		{"bad store driver", `
server:
  base_domain: "hubgate.dev"
store:
  driver: "oracle"
`},
		{"bad blocked entry", `
server:
  base_domain: "hubgate.dev"
security:
  blocked_cidrs: ["not-an-ip"]
`},
		{"bad breaker ratio", `
server:
  base_domain: "hubgate.dev"
upstream:
  timeout_seconds: 30
  breaker:
    enabled: true
    failure_ratio: 1.5
`},
	}

	l := NewLoader()
	for _, tt := range tests {
		if _, err := l.Parse([]byte(tt.yaml)); err == nil {
			t.Errorf("%s: expected a validation error", tt.name)
		}
	}
}
