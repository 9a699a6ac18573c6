package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() core.RetryConfig {
	return core.RetryConfig{
		Enabled:         true,
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
	}
}

// Retry executes fn until it succeeds, returns an error that is not
// retryable (see core.IsRetryable), or MaxAttempts is reached.
func Retry(ctx context.Context, config core.RetryConfig, fn func() error) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}

	var lastErr error
	delay := config.InitialInterval

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// Check context
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !core.IsRetryable(err) {
			return err
		}
		lastErr = err

		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts {
			break
		}

		// Calculate next delay with exponential backoff
		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.Multiplier)
			if config.MaxInterval > 0 && delay > config.MaxInterval {
				delay = config.MaxInterval
			}
		}

		// Spread concurrent retries apart
		wait := delay + time.Duration(float64(delay)*0.1*math.Sin(float64(attempt)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %w", config.MaxAttempts, core.ErrMaxRetriesExceeded, lastErr)
}

// RetryAdapter re-executes a subquery on transient adapter failures.
type RetryAdapter struct {
	name   string
	next   orchestration.Adapter
	config core.RetryConfig
	deps   ResilienceDependencies
}

// NewRetryAdapter wraps next with config.
func NewRetryAdapter(name string, next orchestration.Adapter, config core.RetryConfig, deps ResilienceDependencies) *RetryAdapter {
	return &RetryAdapter{name: name, next: next, config: config, deps: deps.withDefaults()}
}

// Execute implements orchestration.Adapter.
func (r *RetryAdapter) Execute(ctx context.Context, q orchestration.Subquery, deps orchestration.Dependencies) (*orchestration.Result, error) {
	var (
		result   *orchestration.Result
		attempts int
	)
	err := Retry(ctx, r.config, func() error {
		attempts++
		if attempts > 1 {
			r.deps.Logger.Debug("Retrying subquery", map[string]interface{}{
				"operation": "retry_attempt",
				"source":    r.name,
				"node_id":   q.NodeID,
				"attempt":   attempts,
			})
			r.deps.Telemetry.RecordMetric(MetricRetries, 1, map[string]string{"source": r.name})
		}
		res, err := r.next.Execute(ctx, q, deps)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if attempts > 1 {
			r.deps.Logger.Warn("Subquery failed after retries", map[string]interface{}{
				"operation": "retry_exhausted",
				"source":    r.name,
				"node_id":   q.NodeID,
				"attempts":  attempts,
				"error":     err.Error(),
			})
		}
		return nil, err
	}
	return result, nil
}
