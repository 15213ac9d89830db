// Package resolver maps an inbound host or path to a registered backend
// API. Resolution is a pure read with no side effects.
package resolver

import (
	"context"
	"net"
	"strings"

	"github.com/hubgate/hubgate/internal/catalog"
)

// Match is a successful resolution: the target API plus the path that
// remains to be forwarded upstream.
type Match struct {
	API         *catalog.BackendAPI
	ForwardPath string
	// ViaSubdomain records which routing form matched.
	ViaSubdomain bool
}

// Resolver resolves subdomain- and path-addressed requests against the
// catalog.
type Resolver struct {
	store      catalog.Store
	baseDomain string
	basePath   string
	reserved   map[string]bool
}

// New creates a Resolver. baseDomain is the gateway's own domain
// (slug.<baseDomain> routes by subdomain); basePath is the path-routing
// prefix (<basePath>/<slug>/... routes by path segment).
func New(store catalog.Store, baseDomain, basePath string) *Resolver {
	baseLabel := baseDomain
	if i := strings.IndexByte(baseDomain, '.'); i > 0 {
		baseLabel = baseDomain[:i]
	}
	return &Resolver{
		store:      store,
		baseDomain: strings.ToLower(baseDomain),
		basePath:   strings.TrimSuffix(basePath, "/"),
		reserved: map[string]bool{
			"www":     true,
			"api":     true,
			baseLabel: true,
		},
	}
}

// Resolve maps the request's host and path to a published API. Subdomain
// routing wins when both forms are present. A nil Match with a nil error
// never happens: misses return catalog.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, host, path string) (*Match, error) {
	if slug := r.subdomainSlug(host); slug != "" {
		api, err := r.store.APIBySlug(ctx, slug)
		if err == nil {
			return &Match{API: api, ForwardPath: normalizePath(path), ViaSubdomain: true}, nil
		}
		if err != catalog.ErrNotFound {
			return nil, err
		}
	}

	if slug, rest := r.pathSlug(path); slug != "" {
		api, err := r.store.APIBySlug(ctx, slug)
		if err == nil {
			return &Match{API: api, ForwardPath: rest}, nil
		}
		if err != catalog.ErrNotFound {
			return nil, err
		}
	}

	return nil, catalog.ErrNotFound
}

// subdomainSlug returns the host's leftmost label when it is a plausible
// API slug: more than one label, and not one of the reserved labels.
func (r *Resolver) subdomainSlug(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if host == r.baseDomain {
		return ""
	}

	i := strings.IndexByte(host, '.')
	if i <= 0 {
		return ""
	}
	label := host[:i]
	if r.reserved[label] {
		return ""
	}
	return label
}

// pathSlug splits "<basePath>/<slug>/rest" into slug and "/rest".
func (r *Resolver) pathSlug(path string) (slug, rest string) {
	prefix := r.basePath + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", ""
	}
	remainder := path[len(prefix):]
	if remainder == "" {
		return "", ""
	}
	if i := strings.IndexByte(remainder, '/'); i >= 0 {
		return remainder[:i], normalizePath(remainder[i:])
	}
	return remainder, "/"
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
