package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/hubgate/hubgate/internal/catalog"
)

type fakeStore struct {
	apis map[string]*catalog.BackendAPI
}

func (f *fakeStore) APIBySlug(ctx context.Context, slug string) (*catalog.BackendAPI, error) {
	if api, ok := f.apis[slug]; ok {
		return api, nil
	}
	return nil, catalog.ErrNotFound
}

func (f *fakeStore) CredentialByKey(ctx context.Context, keyPrefix, keyHash, apiID string) (*catalog.Credential, error) {
	return nil, catalog.ErrNotFound
}

func (f *fakeStore) TouchKey(ctx context.Context, keyID string, at time.Time) error { return nil }

func (f *fakeStore) InsertUsage(ctx context.Context, records []catalog.UsageRecord) error {
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func newTestResolver() *Resolver {
	store := &fakeStore{apis: map[string]*catalog.BackendAPI{
		"weather-v1": {ID: "api-1", Slug: "weather-v1"},
		"geo":        {ID: "api-2", Slug: "geo"},
	}}
	return New(store, "hubgate.dev", "/api")
}

func TestResolveSubdomain(t *testing.T) {
	r := newTestResolver()

	m, err := r.Resolve(context.Background(), "weather-v1.hubgate.dev", "/current")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.API.Slug != "weather-v1" {
		t.Errorf("resolved wrong API: %s", m.API.Slug)
	}
	if !m.ViaSubdomain {
		t.Error("expected subdomain resolution")
	}
	if m.ForwardPath != "/current" {
		t.Errorf("unexpected forward path %q", m.ForwardPath)
	}
}

func TestResolveSubdomainWithPort(t *testing.T) {
	r := newTestResolver()

	m, err := r.Resolve(context.Background(), "geo.hubgate.dev:8080", "/lookup")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.API.Slug != "geo" {
		t.Errorf("resolved wrong API: %s", m.API.Slug)
	}
}

func TestResolvePath(t *testing.T) {
	r := newTestResolver()

	tests := []struct {
		path        string
		wantSlug    string
		wantForward string
	}{
		{"/api/weather-v1/current", "weather-v1", "/current"},
		{"/api/weather-v1/v2/forecast/daily", "weather-v1", "/v2/forecast/daily"},
		{"/api/geo", "geo", "/"},
	}

	for _, tt := range tests {
		m, err := r.Resolve(context.Background(), "hubgate.dev", tt.path)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.path, err)
			continue
		}
		if m.API.Slug != tt.wantSlug {
			t.Errorf("%s: resolved %s, want %s", tt.path, m.API.Slug, tt.wantSlug)
		}
		if m.ForwardPath != tt.wantForward {
			t.Errorf("%s: forward path %q, want %q", tt.path, m.ForwardPath, tt.wantForward)
		}
		if m.ViaSubdomain {
			t.Errorf("%s: should be path resolution", tt.path)
		}
	}
}

func TestResolveSubdomainWinsOverPath(t *testing.T) {
	r := newTestResolver()

	m, err := r.Resolve(context.Background(), "geo.hubgate.dev", "/api/weather-v1/current")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.API.Slug != "geo" {
		t.Errorf("subdomain should win, got %s", m.API.Slug)
	}
	// The full path is forwarded untouched under subdomain routing.
	if m.ForwardPath != "/api/weather-v1/current" {
		t.Errorf("unexpected forward path %q", m.ForwardPath)
	}
}

func TestResolveUnknownSubdomainFallsBackToPath(t *testing.T) {
	r := newTestResolver()

	m, err := r.Resolve(context.Background(), "nosuch.hubgate.dev", "/api/geo/lookup")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.API.Slug != "geo" {
		t.Errorf("expected path fallback to geo, got %s", m.API.Slug)
	}
}

func TestResolveReservedLabels(t *testing.T) {
	r := newTestResolver()

	for _, host := range []string{"www.hubgate.dev", "api.hubgate.dev", "hubgate.dev"} {
		if _, err := r.Resolve(context.Background(), host, "/current"); err != catalog.ErrNotFound {
			t.Errorf("%s: expected ErrNotFound, got %v", host, err)
		}
	}
}

func TestResolveMiss(t *testing.T) {
	r := newTestResolver()

	cases := []struct{ host, path string }{
		{"hubgate.dev", "/api/nosuch/x"},
		{"hubgate.dev", "/other/weather-v1/x"},
		{"hubgate.dev", "/api/"},
		{"nosuch.hubgate.dev", "/current"},
	}
	for _, c := range cases {
		if _, err := r.Resolve(context.Background(), c.host, c.path); err != catalog.ErrNotFound {
			t.Errorf("%s %s: expected ErrNotFound, got %v", c.host, c.path, err)
		}
	}
}
