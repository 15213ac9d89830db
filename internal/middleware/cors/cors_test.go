package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hubgate/hubgate/config"
	"github.com/hubgate/hubgate/internal/pipeline"
)

func newContext(method, origin string) *pipeline.Context {
	r := httptest.NewRequest(method, "http://weather-v1.hubgate.dev/current", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return &pipeline.Context{Request: r, RequestID: "req-test"}
}

func TestNoOriginPassesThrough(t *testing.T) {
	n := New(config.CORSConfig{AllowOrigins: []string{"https://app.example.com"}})

	rc := newContext(http.MethodGet, "")
	if res := n.Run(rc); res.Terminal() {
		t.Error("requests without Origin should pass")
	}
	if rc.CORSOrigin != "" {
		t.Error("no annotation expected without Origin")
	}
}

func TestPreflightAllowed(t *testing.T) {
	n := New(config.CORSConfig{
		AllowOrigins: []string{"https://app.example.com"},
		MaxAgeSec:    600,
	})

	rc := newContext(http.MethodOptions, "https://app.example.com")
	rc.Request.Header.Set("Access-Control-Request-Method", "POST")
	rc.Request.Header.Set("Access-Control-Request-Headers", "Content-Type, X-API-Key")

	res := n.Run(rc)
	if !res.Terminal() {
		t.Fatal("preflight must be answered directly")
	}

	rec := httptest.NewRecorder()
	res.Write(rec)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	h := rec.Header()
	if got := h.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("unexpected allow-origin %q", got)
	}
	if got := h.Get("Access-Control-Allow-Methods"); got != "POST" {
		t.Errorf("unexpected allow-methods %q", got)
	}
	if got := h.Get("Access-Control-Allow-Headers"); got != "Content-Type, X-API-Key" {
		t.Errorf("unexpected allow-headers %q", got)
	}
	if got := h.Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("unexpected max-age %q", got)
	}
}

func TestPreflightDisallowedOrigin(t *testing.T) {
	n := New(config.CORSConfig{AllowOrigins: []string{"https://app.example.com"}})

	rc := newContext(http.MethodOptions, "https://evil.example.net")
	rc.Request.Header.Set("Access-Control-Request-Method", "GET")

	res := n.Run(rc)
	if !res.Terminal() {
		t.Fatal("disallowed preflight must terminate")
	}

	rec := httptest.NewRecorder()
	res.Write(rec)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestActualRequestAnnotatesContext(t *testing.T) {
	n := New(config.CORSConfig{
		AllowOrigins:     []string{"https://app.example.com"},
		AllowCredentials: true,
	})

	rc := newContext(http.MethodGet, "https://app.example.com")
	if res := n.Run(rc); res.Terminal() {
		t.Fatal("actual request should continue to the proxy")
	}
	if rc.CORSOrigin != "https://app.example.com" {
		t.Errorf("unexpected annotation %q", rc.CORSOrigin)
	}
	if !rc.CORSCredentials {
		t.Error("credentials flag should be carried")
	}
}

func TestActualRequestDisallowedOriginContinuesBare(t *testing.T) {
	n := New(config.CORSConfig{AllowOrigins: []string{"https://app.example.com"}})

	// A non-preflight request from a disallowed origin is proxied, just
	// without access-control headers; the browser enforces the block.
	rc := newContext(http.MethodGet, "https://evil.example.net")
	if res := n.Run(rc); res.Terminal() {
		t.Fatal("actual request should continue")
	}
	if rc.CORSOrigin != "" {
		t.Errorf("disallowed origin must not be annotated, got %q", rc.CORSOrigin)
	}
}

func TestWildcardOrigin(t *testing.T) {
	n := New(config.CORSConfig{AllowOrigins: []string{"*"}})

	rc := newContext(http.MethodGet, "https://anyone.example.org")
	if res := n.Run(rc); res.Terminal() {
		t.Fatal("wildcard should admit any origin")
	}
	if rc.CORSOrigin != "*" {
		t.Errorf("expected literal *, got %q", rc.CORSOrigin)
	}
}

func TestWildcardWithCredentialsEchoesOrigin(t *testing.T) {
	n := New(config.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowCredentials: true,
	})

	// "*" is invalid alongside credentials; the concrete origin is echoed.
	rc := newContext(http.MethodGet, "https://app.example.com")
	if res := n.Run(rc); res.Terminal() {
		t.Fatal("request should continue")
	}
	if rc.CORSOrigin != "https://app.example.com" {
		t.Errorf("expected echoed origin, got %q", rc.CORSOrigin)
	}
}
