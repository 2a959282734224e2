package transport

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/martinemde/streamloop/unifiedllm"
)

// RateLimiter is a requests-per-minute token bucket that backs off when the
// provider reports rate limiting and recovers gradually on success.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	current float64
	min     float64
	max     float64
	step    float64
}

// NewRateLimiter allows perMinute stream opens per minute with a burst of one.
func NewRateLimiter(perMinute float64) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	minRPM := perMinute * 0.1
	if minRPM < 1 {
		minRPM = 1
	}
	step := perMinute * 0.05
	if step < 1 {
		step = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
		current: perMinute,
		min:     minRPM,
		max:     perMinute,
		step:    step,
	}
}

// Middleware returns a Middleware that waits for capacity before each open.
func (l *RateLimiter) Middleware() Middleware {
	return func(ctx context.Context, req unifiedllm.Request, next StreamFunc) (<-chan unifiedllm.Event, error) {
		// Wait also fails early when the deadline cannot be met.
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "rate limit wait cancelled", Cause: err}}
		}
		events, err := next(ctx, req)
		l.observe(err)
		return events, err
	}
}

// Limit returns the current requests-per-minute budget.
func (l *RateLimiter) Limit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *RateLimiter) observe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rl *unifiedllm.RateLimitError
	switch {
	case errors.As(err, &rl):
		l.current /= 2
		if l.current < l.min {
			l.current = l.min
		}
	case err == nil && l.current < l.max:
		l.current += l.step
		if l.current > l.max {
			l.current = l.max
		}
	default:
		return
	}
	l.limiter.SetLimit(rate.Limit(l.current / 60.0))
}

// RateLimited wraps p with a limiter allowing perMinute stream opens.
func RateLimited(p Provider, perMinute float64) Provider {
	return Wrap(p, NewRateLimiter(perMinute).Middleware())
}
