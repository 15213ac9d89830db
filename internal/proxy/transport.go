package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/hubgate/hubgate/config"
)

// NewTransport builds the upstream HTTP transport. Redirects are never
// followed at this layer: a RoundTripper returns 3xx responses as-is, and
// the gateway passes them through to the caller.
func NewTransport(cfg config.UpstreamConfig) *http.Transport {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	maxIdlePerHost := cfg.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = 10
	}
	idleTimeout := time.Duration(cfg.IdleConnTimeoutSec) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
