// Package cors answers preflight requests and decides which origins
// receive access-control headers. The allowed-origin set is gateway
// configuration, not per-API data.
package cors

import (
	"net/http"
	"strconv"

	"github.com/hubgate/hubgate/config"
	"github.com/hubgate/hubgate/internal/errors"
	"github.com/hubgate/hubgate/internal/pipeline"
)

// Negotiator is the CORS pipeline stage.
type Negotiator struct {
	allowOrigins     map[string]bool
	allowAllOrigins  bool
	allowCredentials bool
	maxAge           string
}

// New creates a Negotiator from config.
func New(cfg config.CORSConfig) *Negotiator {
	n := &Negotiator{
		allowOrigins:     make(map[string]bool, len(cfg.AllowOrigins)),
		allowCredentials: cfg.AllowCredentials,
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			n.allowAllOrigins = true
			continue
		}
		n.allowOrigins[o] = true
	}

	maxAge := cfg.MaxAgeSec
	if maxAge <= 0 {
		maxAge = 86400
	}
	n.maxAge = strconv.Itoa(maxAge)

	return n
}

func (n *Negotiator) Name() string { return "cors" }

// Run answers preflights directly and annotates the context for normal
// requests so the response writer can attach the headers after the proxy
// round trip.
func (n *Negotiator) Run(rc *pipeline.Context) pipeline.Result {
	r := rc.Request
	origin := r.Header.Get("Origin")
	if origin == "" {
		return pipeline.Continue()
	}

	allowed := n.originAllowed(origin)

	if isPreflight(r) {
		if !allowed {
			return pipeline.Fail(errors.ErrForbidden.
				WithMessage("Origin not allowed").
				WithRequestID(rc.RequestID))
		}
		return pipeline.Respond(func(w http.ResponseWriter) {
			n.writePreflight(w, r, origin)
		})
	}

	if allowed {
		rc.CORSOrigin = n.responseOrigin(origin)
		rc.CORSCredentials = n.allowCredentials
	}
	return pipeline.Continue()
}

// writePreflight responds 204 echoing the requested method and headers,
// cacheable for maxAge.
func (n *Negotiator) writePreflight(w http.ResponseWriter, r *http.Request, origin string) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", n.responseOrigin(origin))
	h.Set("Access-Control-Allow-Methods", r.Header.Get("Access-Control-Request-Method"))
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	if n.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Max-Age", n.maxAge)
	h.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

func (n *Negotiator) originAllowed(origin string) bool {
	return n.allowAllOrigins || n.allowOrigins[origin]
}

// responseOrigin returns the value to echo: "*" only when every origin is
// allowed and credentials are off.
func (n *Negotiator) responseOrigin(origin string) string {
	if n.allowAllOrigins && !n.allowCredentials {
		return "*"
	}
	return origin
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}
