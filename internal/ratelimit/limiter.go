// Package ratelimit spaces calls to external services. Each service
// gets its own limiter so waiting on one service never blocks callers
// of another.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

// Limiter enforces a minimum interval between granted calls per
// service. Grants are handed out in arrival order.
type Limiter struct {
	mu              sync.Mutex
	intervals       map[types.ServiceID]time.Duration
	defaultInterval time.Duration
	limiters        map[types.ServiceID]*rate.Limiter
}

// New creates a Limiter from per-service minimum intervals. Services
// not listed fall back to defaultInterval; a zero defaultInterval
// means unknown services are not limited.
func New(intervals map[types.ServiceID]time.Duration, defaultInterval time.Duration) *Limiter {
	cp := make(map[types.ServiceID]time.Duration, len(intervals))
	for k, v := range intervals {
		cp[k] = v
	}
	return &Limiter{
		intervals:       cp,
		defaultInterval: defaultInterval,
		limiters:        make(map[types.ServiceID]*rate.Limiter),
	}
}

// Acquire blocks until the minimum interval since the last grant for
// service has elapsed, then records the grant. Returns the context's
// error if it is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, service types.ServiceID) error {
	return l.limiterFor(service).Wait(ctx)
}

func (l *Limiter) limiterFor(service types.ServiceID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[service]; ok {
		return lim
	}
	interval, ok := l.intervals[service]
	if !ok {
		interval = l.defaultInterval
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	lim := rate.NewLimiter(limit, 1)
	l.limiters[service] = lim
	return lim
}
