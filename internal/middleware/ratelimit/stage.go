// Package ratelimit enforces the per-second request ceiling for each
// (subscriber, api) pair over a trailing window. Authenticated traffic is
// counted in a shared Redis so all gateway instances see one counter;
// keyless traffic uses a low in-process default.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hubgate/hubgate/config"
	"github.com/hubgate/hubgate/internal/errors"
	"github.com/hubgate/hubgate/internal/logging"
	"github.com/hubgate/hubgate/internal/pipeline"
	"go.uber.org/zap"
)

// Stage is the rate-limiting pipeline stage.
type Stage struct {
	shared    *RedisLimiter // nil when Redis is disabled
	local     *LocalLimiter
	windowSec int
	anonRate  float64
	anonBurst int
}

// NewStage creates the stage. shared may be nil, in which case all
// traffic is limited in process.
func NewStage(shared *RedisLimiter, cfg config.RateLimitConfig) *Stage {
	return &Stage{
		shared:    shared,
		local:     NewLocalLimiter(),
		windowSec: cfg.WindowSec,
		anonRate:  float64(cfg.AnonymousRate),
		anonBurst: cfg.AnonymousBurst,
	}
}

func (s *Stage) Name() string { return "rate_limit" }

// Run admits or rejects the request. Rejected requests receive 429 with a
// Retry-After hint and are never counted against the monthly quota (the
// quota stage runs after this one). A shared-store failure blocks the
// request: limits are fail-closed.
func (s *Stage) Run(rc *pipeline.Context) pipeline.Result {
	// Keyless access gets the hardcoded anonymous ceiling, per source.
	if rc.Credential == nil {
		if !s.local.Allow(rc.CounterKey(), s.anonRate, s.anonBurst) {
			reset := time.Now().Add(time.Second)
			s.annotateLocal(rc, s.anonBurst, reset)
			return s.reject(rc, reset)
		}
		return pipeline.Continue()
	}

	ratePerSec := rc.EffectiveRate()
	limit := ratePerSec * s.windowSec

	if s.shared == nil {
		if !s.local.Allow(rc.CounterKey(), float64(ratePerSec), ratePerSec) {
			reset := time.Now().Add(time.Second)
			s.annotateLocal(rc, ratePerSec, reset)
			return s.reject(rc, reset)
		}
		return pipeline.Continue()
	}

	decision, err := s.shared.Allow(rc.Request.Context(), rc.CounterKey(), limit)
	if err != nil {
		// Fail closed: with the shared counter unreachable we cannot
		// prove headroom, so the request is blocked.
		logging.Error("rate limit check unavailable",
			zap.String("request_id", rc.RequestID),
			zap.Error(err),
		)
		return pipeline.Fail(errors.ErrInternalServer.
			WithMessage("Rate limit check unavailable").
			WithRequestID(rc.RequestID))
	}

	rc.RateLimitHeaders = http.Header{}
	rc.RateLimitHeaders.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	rc.RateLimitHeaders.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	rc.RateLimitHeaders.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

	if !decision.Allowed {
		return s.reject(rc, decision.Reset)
	}

	return pipeline.Continue()
}

// annotateLocal fills the rate-limit headers for a local-bucket rejection
// so throttled callers get the same surface whether the counter is shared
// or in process.
func (s *Stage) annotateLocal(rc *pipeline.Context, limit int, reset time.Time) {
	rc.RateLimitHeaders = http.Header{}
	rc.RateLimitHeaders.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	rc.RateLimitHeaders.Set("X-RateLimit-Remaining", "0")
	rc.RateLimitHeaders.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

func (s *Stage) reject(rc *pipeline.Context, reset time.Time) pipeline.Result {
	retryAfter := int(time.Until(reset).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	return pipeline.Respond(func(w http.ResponseWriter) {
		copyHeaders(w.Header(), rc.RateLimitHeaders)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		errors.ErrTooManyRequests.
			WithMessage("Rate limit exceeded").
			WithRequestID(rc.RequestID).
			WriteJSON(w)
	})
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Set(k, v)
		}
	}
}
