// Package pipeline runs the gateway's pre-proxy checks as an ordered list
// of stages. Each stage either passes the enriched request context to the
// next stage or produces a terminal response, which stops the run. A
// panicking stage is converted to a 500 for that request only.
package pipeline

import (
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hubgate/hubgate/internal/catalog"
	"github.com/hubgate/hubgate/internal/errors"
	"github.com/hubgate/hubgate/internal/logging"
	"go.uber.org/zap"
)

// Context is the progressively-enriched per-request state handed from
// stage to stage. The resolver fills API and ForwardPath before the
// pipeline runs; authentication fills Credential.
type Context struct {
	Request   *http.Request
	RequestID string
	ClientIP  string
	StartTime time.Time

	API         *catalog.BackendAPI
	ForwardPath string

	Credential *catalog.Credential

	// CORSOrigin is set by the CORS stage when the request's origin is
	// allowed; the response writer finishes the job.
	CORSOrigin      string
	CORSCredentials bool

	// RateLimitHeaders and QuotaHeaders are attached to the client
	// response whichever way the request ends.
	RateLimitHeaders http.Header
	QuotaHeaders     http.Header
}

// EffectiveRate returns the per-second ceiling for this request: the
// plan's rate when subscribed, else the API's default hint.
func (c *Context) EffectiveRate() int {
	if c.Credential != nil && c.Credential.Plan != nil {
		return c.Credential.Plan.RatePerSecond
	}
	if c.API != nil && c.API.DefaultRate > 0 {
		return c.API.DefaultRate
	}
	return 1
}

// EffectiveQuota returns the per-billing-period ceiling.
func (c *Context) EffectiveQuota() int64 {
	if c.Credential != nil && c.Credential.Plan != nil {
		return c.Credential.Plan.QuotaPerPeriod
	}
	if c.API != nil && c.API.DefaultQuota > 0 {
		return c.API.DefaultQuota
	}
	return 1000
}

// CounterKey identifies the (subscriber, api) pair shared counters are
// keyed by. Keyless requests fall back to the client address so
// unauthenticated traffic is still bounded per source.
func (c *Context) CounterKey() string {
	subject := c.ClientIP
	if c.Credential != nil {
		subject = c.Credential.User.ID
	}
	return subject + ":" + c.API.ID
}

// Result is the tagged outcome of a stage: continue to the next stage, or
// terminate with a direct response.
type Result struct {
	terminal bool
	write    func(http.ResponseWriter)
}

// Continue passes control to the next stage.
func Continue() Result {
	return Result{}
}

// Respond terminates the pipeline with a custom response writer.
func Respond(write func(http.ResponseWriter)) Result {
	return Result{terminal: true, write: write}
}

// Fail terminates the pipeline with an error envelope.
func Fail(e *errors.GatewayError) Result {
	return Result{terminal: true, write: e.WriteJSON}
}

// Terminal reports whether the result ends the pipeline.
func (r Result) Terminal() bool {
	return r.terminal
}

// Write emits the terminal response.
func (r Result) Write(w http.ResponseWriter) {
	if r.write != nil {
		r.write(w)
	}
}

// Stage is a single pipeline check.
type Stage interface {
	Name() string
	Run(rc *Context) Result
}

// Pipeline is a fixed, ordered list of stages.
type Pipeline struct {
	stages []Stage
}

// New creates a pipeline running the given stages in order.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Run folds the context over the stages, stopping at the first terminal
// result. A stage panic never escapes: it is logged with the stage's
// identity and converted to a 500 carrying the request ID.
func (p *Pipeline) Run(rc *Context) Result {
	for _, stage := range p.stages {
		res := p.runStage(stage, rc)
		if res.Terminal() {
			return res
		}
	}
	return Continue()
}

func (p *Pipeline) runStage(stage Stage, rc *Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("pipeline stage panic",
				zap.String("stage", stage.Name()),
				zap.String("request_id", rc.RequestID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = Fail(errors.ErrInternalServer.WithRequestID(rc.RequestID))
		}
	}()
	return stage.Run(rc)
}

// ClientIP extracts the immediate peer address. The gateway deliberately
// ignores client-supplied X-Forwarded-For; it injects its own.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
