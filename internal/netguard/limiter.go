// Package netguard carries the shared network discipline for the two remote
// sources: per-host token-bucket rate limiting and context-aware exponential
// backoff for transport retries.
package netguard

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter provides per-host token-bucket rate limiting. Each remote adapter
// builds its own Limiter, so archive and REST traffic draw on separate
// buckets even when they target the same host.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a limiter handing out rps tokens per second with the
// given burst capacity per host.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[host]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[host]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[host] = lim
	return lim
}

// Wait blocks until a request for the host is allowed or the context is
// cancelled.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.forHost(host).Wait(ctx)
}

// Allow reports whether a request for the host may proceed immediately.
func (l *Limiter) Allow(host string) bool {
	return l.forHost(host).Allow()
}

// SetRPS updates the sustained rate for all existing host buckets.
func (l *Limiter) SetRPS(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps = rps
	for _, lim := range l.limiters {
		lim.SetLimit(rate.Limit(rps))
	}
}
