package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hubgate/hubgate/config"
)

func newForwarder(cfg config.UpstreamConfig) *Forwarder {
	return NewForwarder(NewTransport(cfg), cfg)
}

func TestForwardSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer backend.Close()

	cfg := config.UpstreamConfig{TimeoutSec: 5}
	f := newForwarder(cfg)

	rc := newContext("http://weather-v1.hubgate.dev/current", nil)
	rc.API.BaseURL = backend.URL

	upstream, err := BuildUpstreamRequest(rc, "v1")
	if err != nil {
		t.Fatal(err)
	}

	resp, gerr := f.Forward(rc, upstream)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body %q", body)
	}
	if got := resp.Header.Get("X-Backend"); got != "yes" {
		t.Errorf("backend header %q", got)
	}
}

func TestForwardTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer backend.Close()

	cfg := config.UpstreamConfig{TimeoutSec: 1}
	f := newForwarder(cfg)

	rc := newContext("http://weather-v1.hubgate.dev/current", nil)
	rc.API.BaseURL = backend.URL

	upstream, err := BuildUpstreamRequest(rc, "v1")
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, gerr := f.Forward(rc, upstream)
	if gerr == nil {
		t.Fatal("expected a timeout error")
	}
	if gerr.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", gerr.Code)
	}
	if elapsed := time.Since(start); elapsed > 1800*time.Millisecond {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestForwardConnectionRefused(t *testing.T) {
	cfg := config.UpstreamConfig{TimeoutSec: 2}
	f := newForwarder(cfg)

	rc := newContext("http://weather-v1.hubgate.dev/current", nil)
	// Reserved port with nothing listening.
	rc.API.BaseURL = "http://127.0.0.1:1"

	upstream, err := BuildUpstreamRequest(rc, "v1")
	if err != nil {
		t.Fatal(err)
	}

	_, gerr := f.Forward(rc, upstream)
	if gerr == nil {
		t.Fatal("expected an error")
	}
	if gerr.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", gerr.Code)
	}
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/current" {
			http.Redirect(w, r, "/moved", http.StatusFound)
			return
		}
		t.Errorf("redirect target %s should never be fetched", r.URL.Path)
	}))
	defer backend.Close()

	cfg := config.UpstreamConfig{TimeoutSec: 5}
	f := newForwarder(cfg)

	rc := newContext("http://weather-v1.hubgate.dev/current", nil)
	rc.API.BaseURL = backend.URL

	upstream, err := BuildUpstreamRequest(rc, "v1")
	if err != nil {
		t.Fatal(err)
	}

	resp, gerr := f.Forward(rc, upstream)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("expected raw 302, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/moved" {
		t.Errorf("Location %q", got)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	cfg := config.UpstreamConfig{
		TimeoutSec: 1,
		Breaker: config.BreakerConfig{
			Enabled:      true,
			MaxRequests:  1,
			IntervalSec:  60,
			TimeoutSec:   60,
			MinRequests:  3,
			FailureRatio: 0.5,
		},
	}
	f := newForwarder(cfg)

	for i := 0; i < 5; i++ {
		rc := newContext("http://weather-v1.hubgate.dev/current", nil)
		rc.API.BaseURL = "http://127.0.0.1:1"
		upstream, err := BuildUpstreamRequest(rc, "v1")
		if err != nil {
			t.Fatal(err)
		}
		f.Forward(rc, upstream)
	}

	rc := newContext("http://weather-v1.hubgate.dev/current", nil)
	rc.API.BaseURL = "http://127.0.0.1:1"
	upstream, err := BuildUpstreamRequest(rc, "v1")
	if err != nil {
		t.Fatal(err)
	}
	_, gerr := f.Forward(rc, upstream)
	if gerr == nil {
		t.Fatal("expected an error from the open breaker")
	}
	if gerr.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", gerr.Code)
	}
	if gerr.Message != "Upstream temporarily unavailable" {
		t.Errorf("expected breaker message, got %q", gerr.Message)
	}
}
