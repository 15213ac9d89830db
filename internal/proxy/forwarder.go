package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hubgate/hubgate/config"
	"github.com/hubgate/hubgate/internal/errors"
	"github.com/hubgate/hubgate/internal/logging"
	"github.com/hubgate/hubgate/internal/pipeline"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Forwarder issues upstream requests with a bounded timeout and an
// optional per-API circuit breaker. Upstream failure is routine here —
// backends are third-party and unreliable — so errors are logged at warn
// level and mapped to 502/504, never treated as gateway defects.
type Forwarder struct {
	transport http.RoundTripper
	timeout   time.Duration

	breakerCfg config.BreakerConfig
	mu         sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// NewForwarder creates a Forwarder from upstream config.
func NewForwarder(transport http.RoundTripper, cfg config.UpstreamConfig) *Forwarder {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		transport:  transport,
		timeout:    timeout,
		breakerCfg: cfg.Breaker,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

// Forward sends the upstream request. The returned GatewayError is nil on
// success; the caller owns resp.Body.
func (f *Forwarder) Forward(rc *pipeline.Context, upstream *http.Request) (*http.Response, *errors.GatewayError) {
	ctx := upstream.Context()
	cancel := context.CancelFunc(func() {})
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		upstream = upstream.WithContext(ctx)
	}

	var resp *http.Response
	var err error
	if f.breakerCfg.Enabled {
		cb := f.breaker(rc.API.ID)
		resp, err = cb.Execute(func() (*http.Response, error) {
			return f.transport.RoundTrip(upstream)
		})
	} else {
		resp, err = f.transport.RoundTrip(upstream)
	}

	if err != nil {
		cancel()
		return nil, f.mapError(rc, err)
	}

	// The body streams past this call; cancellation is released when the
	// caller closes it.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (f *Forwarder) mapError(rc *pipeline.Context, err error) *errors.GatewayError {
	logging.Warn("upstream request failed",
		zap.String("request_id", rc.RequestID),
		zap.String("api", rc.API.Slug),
		zap.Error(err),
	)

	switch {
	case isTimeout(err):
		return errors.ErrGatewayTimeout.
			WithMessage("Upstream request timed out").
			WithRequestID(rc.RequestID)
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		return errors.ErrBadGateway.
			WithMessage("Upstream temporarily unavailable").
			WithRequestID(rc.RequestID)
	default:
		return errors.ErrBadGateway.
			WithMessage("Upstream request failed").
			WithRequestID(rc.RequestID)
	}
}

// breaker returns the circuit breaker for an API, creating it on first
// use.
func (f *Forwarder) breaker(apiID string) *gobreaker.CircuitBreaker[*http.Response] {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[apiID]; ok {
		return cb
	}

	cfg := f.breakerCfg
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        apiID,
		MaxRequests: uint32(cfg.MaxRequests),
		Interval:    time.Duration(cfg.IntervalSec) * time.Second,
		Timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("upstream breaker state change",
				zap.String("api", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	f.breakers[apiID] = cb
	return cb
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}
