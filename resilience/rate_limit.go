package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// RateLimiter is a token bucket in front of one source. Callers wait for a
// token; a wait that cannot finish before the context deadline fails with
// core.ErrRateLimited.
type RateLimiter struct {
	name    string
	limiter *rate.Limiter
	deps    ResilienceDependencies
}

// NewRateLimiter creates a limiter for the named source.
func NewRateLimiter(name string, config core.RateLimitConfig, deps ResilienceDependencies) (*RateLimiter, error) {
	if config.RequestsPerSecond <= 0 || config.Burst < 1 {
		return nil, &core.FrameworkError{
			Op:      "resilience.NewRateLimiter",
			Kind:    "config",
			ID:      name,
			Message: "requests_per_second must be positive and burst at least 1",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return &RateLimiter{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		deps:    deps.withDefaults(),
	}, nil
}

// Wait blocks until a token is available.
func (r *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.deps.Telemetry.RecordMetric(MetricRateLimited, 1, map[string]string{"source": r.name})
		return &core.FrameworkError{
			Op:      "RateLimiter.Wait",
			Kind:    "resilience",
			ID:      r.name,
			Message: fmt.Sprintf("no token before deadline: %v", err),
			Err:     core.ErrRateLimited,
		}
	}
	if waited := time.Since(start); waited > time.Millisecond {
		r.deps.Telemetry.RecordMetric(MetricRateLimitWait, float64(waited.Milliseconds()), map[string]string{"source": r.name})
	}
	return nil
}

// Wrap returns an adapter that takes a token before every call.
func (r *RateLimiter) Wrap(next orchestration.Adapter) orchestration.Adapter {
	return orchestration.AdapterFunc(func(ctx context.Context, q orchestration.Subquery, deps orchestration.Dependencies) (*orchestration.Result, error) {
		if err := r.Wait(ctx); err != nil {
			return nil, err
		}
		return next.Execute(ctx, q, deps)
	})
}
