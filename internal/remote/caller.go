// Package remote fronts every call to an external service with rate
// limiting, failure classification, and bounded retry.
package remote

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/symmetricalboy/msinfo-bot/internal/metric"
	"github.com/symmetricalboy/msinfo-bot/internal/ratelimit"
	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

// Policy controls how failed calls are retried with exponential backoff.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultPolicy returns the fallback policy: 3 retries, 1s initial
// delay, 2x multiplier, 30s max delay, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

// NextDelay returns the backoff delay for the given attempt number
// (1-indexed), capped at MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Caller executes operations against external services. Every attempt
// acquires the service's rate-limit slot first; transient failures are
// retried under the service's policy, permanent failures surface
// immediately, and exhaustion raises a sink alert.
type Caller struct {
	limiter  *ratelimit.Limiter
	sink     types.Notifier
	metrics  *metric.Set
	policies map[types.ServiceID]Policy
	fallback Policy

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Caller. policies may be nil; services without an entry
// use the default policy.
func New(limiter *ratelimit.Limiter, sink types.Notifier, metrics *metric.Set, policies map[types.ServiceID]Policy) *Caller {
	cp := make(map[types.ServiceID]Policy, len(policies))
	for k, v := range policies {
		cp[k] = v
	}
	return &Caller{
		limiter:  limiter,
		sink:     sink,
		metrics:  metrics,
		policies: cp,
		fallback: DefaultPolicy(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Call runs op under the service's rate and retry discipline. It
// returns nil on success, the original error for permanent failures,
// and an *ExhaustedError once the retry budget is spent.
func (c *Caller) Call(ctx context.Context, service types.ServiceID, op func(context.Context) error) error {
	policy, ok := c.policies[service]
	if !ok {
		policy = c.fallback
	}
	return c.CallWith(ctx, service, policy, op)
}

// CallWith is Call with an explicit retry policy, for operations whose
// budget differs from the service default (media generation, for
// example). Rate limiting still keys on the service, so all its
// operations share one pacer.
func (c *Caller) CallWith(ctx context.Context, service types.ServiceID, policy Policy, op func(context.Context) error) error {
	attempts := policy.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Acquire(ctx, service); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		c.metrics.IncRetry(string(service))
		delay := policy.NextDelay(attempt)
		if policy.Jitter {
			delay += c.jitter(delay / 4)
		}
		slog.Warn("retrying after transient failure",
			"service", string(service), "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	exhausted := &ExhaustedError{Service: service, Attempts: attempts, Err: lastErr}
	if c.sink != nil {
		c.sink.Notify(types.SeverityCritical, exhausted.Error())
	}
	return exhausted
}

func (c *Caller) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rng.Int63n(int64(max)))
}
