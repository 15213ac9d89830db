package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps per-key token buckets in process. It backs keyless
// access and no-Redis deployments; it does not coordinate across gateway
// instances.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
}

type localEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates a LocalLimiter and starts its janitor.
func NewLocalLimiter() *LocalLimiter {
	l := &LocalLimiter{
		limiters: make(map[string]*localEntry),
	}
	go l.cleanup()
	return l
}

// Allow reports whether one request for key fits within perSecond/burst.
// The limiter for a key is created on first use with the given ceiling.
func (l *LocalLimiter) Allow(key string, perSecond float64, burst int) bool {
	if burst <= 0 {
		burst = 1
	}

	l.mu.Lock()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &localEntry{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.lim.Allow()
}

// cleanup drops buckets idle for more than ten minutes.
func (l *LocalLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for key, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, key)
			}
		}
		l.mu.Unlock()
	}
}
