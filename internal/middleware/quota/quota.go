// Package quota enforces the per-billing-period request ceiling for each
// (subscriber, api) pair. Counters live in a shared Redis keyed by
// calendar month and expire at period end, so they survive restarts and
// reset automatically at rollover.
package quota

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hubgate/hubgate/internal/errors"
	"github.com/hubgate/hubgate/internal/logging"
	"github.com/hubgate/hubgate/internal/pipeline"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Enforcer is the quota pipeline stage.
type Enforcer struct {
	client *redis.Client // nil for in-memory mode

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	count       int64
	windowStart time.Time
}

// New creates an Enforcer. client may be nil, in which case counters are
// kept in process (single-instance deployments and tests).
func New(client *redis.Client) *Enforcer {
	return &Enforcer{
		client:  client,
		entries: make(map[string]*memoryEntry),
	}
}

func (e *Enforcer) Name() string { return "quota" }

// Run atomically increments the subscriber's counter for the current
// calendar month and rejects with 403 once the plan ceiling is passed.
//
// The increment happens before the ceiling check, so a rejected request
// still consumes one unit of budget. That matches the marketplace's
// billing behavior today; changing it needs a read-then-incr script.
func (e *Enforcer) Run(rc *pipeline.Context) pipeline.Result {
	limit := rc.EffectiveQuota()
	windowStart, windowEnd := currentPeriod(time.Now())

	var count int64
	var err error
	if e.client != nil {
		count, err = e.redisIncr(rc.Request.Context(), rc.CounterKey(), windowStart, windowEnd)
	} else {
		count = e.memoryIncr(rc.CounterKey(), windowStart)
	}
	if err != nil {
		// Fail closed, same as the rate limiter.
		logging.Error("quota check unavailable",
			zap.String("request_id", rc.RequestID),
			zap.Error(err),
		)
		return pipeline.Fail(errors.ErrInternalServer.
			WithMessage("Quota check unavailable").
			WithRequestID(rc.RequestID))
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	rc.QuotaHeaders = http.Header{}
	rc.QuotaHeaders.Set("X-Quota-Limit", strconv.FormatInt(limit, 10))
	rc.QuotaHeaders.Set("X-Quota-Remaining", strconv.FormatInt(remaining, 10))
	rc.QuotaHeaders.Set("X-Quota-Reset", strconv.FormatInt(windowEnd.Unix(), 10))

	if count > limit {
		return pipeline.Respond(func(w http.ResponseWriter) {
			for k, vv := range rc.QuotaHeaders {
				for _, v := range vv {
					w.Header().Set(k, v)
				}
			}
			errors.ErrForbidden.
				WithMessage("Monthly quota exceeded").
				WithRequestID(rc.RequestID).
				WriteJSON(w)
		})
	}

	return pipeline.Continue()
}

func (e *Enforcer) redisIncr(ctx context.Context, key string, windowStart, windowEnd time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	rKey := fmt.Sprintf("hg:quota:%s:%s", key, windowStart.Format("2006-01"))
	count, err := e.client.Incr(ctx, rKey).Result()
	if err != nil {
		return 0, err
	}

	// Set expiry on first increment; a minute of slack covers clock skew
	// between gateway instances. A failure here leaks a counter that never
	// expires, so it is at least worth a log line.
	if count == 1 {
		if err := e.client.ExpireAt(ctx, rKey, windowEnd.Add(time.Minute)).Err(); err != nil {
			logging.Warn("quota counter expiry not set",
				zap.String("counter", rKey),
				zap.Error(err),
			)
		}
	}

	return count, nil
}

func (e *Enforcer) memoryIncr(key string, windowStart time.Time) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[key]
	if !ok || !entry.windowStart.Equal(windowStart) {
		entry = &memoryEntry{windowStart: windowStart}
		e.entries[key] = entry
	}
	entry.count++
	return entry.count
}

// currentPeriod returns the UTC calendar month containing now.
func currentPeriod(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
