// Package gateway ties resolution, the check pipeline, and the upstream
// proxy into the single HTTP handler that fronts every published API.
package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hubgate/hubgate/config"
	"github.com/hubgate/hubgate/internal/catalog"
	"github.com/hubgate/hubgate/internal/errors"
	"github.com/hubgate/hubgate/internal/logging"
	"github.com/hubgate/hubgate/internal/metrics"
	"github.com/hubgate/hubgate/internal/pipeline"
	"github.com/hubgate/hubgate/internal/proxy"
	"github.com/hubgate/hubgate/internal/resolver"
	"github.com/hubgate/hubgate/internal/usage"
	"go.uber.org/zap"
)

func init() {
	uuid.EnableRandPool()
}

// Gateway is the proxy handler. One instance serves all APIs.
type Gateway struct {
	cfg       *config.Config
	resolver  *resolver.Resolver
	pipeline  *pipeline.Pipeline
	forwarder *proxy.Forwarder
	collector *metrics.Collector
	recorder  *usage.Recorder
}

// New assembles a Gateway from already-constructed parts. recorder and
// collector may be nil (tests).
func New(cfg *config.Config, res *resolver.Resolver, pipe *pipeline.Pipeline,
	fwd *proxy.Forwarder, collector *metrics.Collector, recorder *usage.Recorder) *Gateway {
	return &Gateway{
		cfg:       cfg,
		resolver:  res,
		pipeline:  pipe,
		forwarder: fwd,
		collector: collector,
		recorder:  recorder,
	}
}

// ServeHTTP handles one proxied request end to end: resolve, run the
// checks, forward, relay. Every response carries the request ID, and
// every resolved request leaves a usage record behind regardless of
// outcome.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Honor an inbound request ID so callers can correlate across hops;
	// generate one otherwise.
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-Id", requestID)

	rc := &pipeline.Context{
		Request:   r,
		RequestID: requestID,
		ClientIP:  pipeline.ClientIP(r),
		StartTime: time.Now(),
	}
	sw := &statusWriter{ResponseWriter: w}

	match, err := g.resolver.Resolve(r.Context(), r.Host, r.URL.Path)
	if err == catalog.ErrNotFound {
		errors.ErrNotFound.
			WithMessage("API not found").
			WithRequestID(requestID).
			WriteJSON(sw)
		g.finish(rc, sw)
		return
	}
	if err != nil {
		logging.Error("resolution failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		errors.ErrInternalServer.WithRequestID(requestID).WriteJSON(sw)
		g.finish(rc, sw)
		return
	}
	rc.API = match.API
	rc.ForwardPath = match.ForwardPath

	if res := g.pipeline.Run(rc); res.Terminal() {
		res.Write(sw)
		g.finish(rc, sw)
		return
	}

	upstream, err := proxy.BuildUpstreamRequest(rc, g.cfg.Server.DefaultAPIVersion)
	if err != nil {
		logging.Error("upstream request build failed",
			zap.String("request_id", requestID),
			zap.String("api", rc.API.Slug),
			zap.Error(err),
		)
		errors.ErrInternalServer.WithRequestID(requestID).WriteJSON(sw)
		g.finish(rc, sw)
		return
	}

	resp, gerr := g.forwarder.Forward(rc, upstream)
	if gerr != nil {
		if g.collector != nil {
			g.collector.RecordUpstreamError(rc.API.Slug)
		}
		gerr.WriteJSON(sw)
		g.finish(rc, sw)
		return
	}
	defer resp.Body.Close()

	proxy.WriteResponse(sw, rc, resp)
	g.finish(rc, sw)
}

// finish records metrics and the usage row once the response is fully
// written. Unresolved requests are counted in metrics but leave no usage
// record: there is no API to bill them to.
func (g *Gateway) finish(rc *pipeline.Context, sw *statusWriter) {
	duration := time.Since(rc.StartTime)

	apiSlug := "unresolved"
	if rc.API != nil {
		apiSlug = rc.API.Slug
	}
	if g.collector != nil {
		g.collector.RecordRequest(apiSlug, rc.Request.Method, sw.status(), duration)
	}

	logging.Info("request",
		zap.String("request_id", rc.RequestID),
		zap.String("api", apiSlug),
		zap.String("method", rc.Request.Method),
		zap.String("path", rc.Request.URL.Path),
		zap.Int("status", sw.status()),
		zap.Duration("duration", duration),
	)

	if g.recorder == nil || rc.API == nil {
		return
	}

	rec := catalog.UsageRecord{
		RequestID:     rc.RequestID,
		APIID:         rc.API.ID,
		APISlug:       rc.API.Slug,
		Method:        rc.Request.Method,
		Path:          rc.Request.URL.Path,
		StatusCode:    sw.status(),
		LatencyMS:     duration.Milliseconds(),
		RequestBytes:  max64(rc.Request.ContentLength, 0),
		ResponseBytes: sw.bytes,
	}
	if cred := rc.Credential; cred != nil {
		rec.UserID = cred.User.ID
		rec.KeyID = cred.Key.ID
	}
	g.recorder.Record(rec)
}

// statusWriter captures the status code and body size for accounting.
type statusWriter struct {
	http.ResponseWriter
	code  int
	bytes int64
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.code == 0 {
		sw.code = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	if sw.code == 0 {
		sw.code = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(p)
	sw.bytes += int64(n)
	return n, err
}

func (sw *statusWriter) status() int {
	if sw.code == 0 {
		return http.StatusOK
	}
	return sw.code
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}
