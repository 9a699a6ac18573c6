package resilience

import (
	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// ResilienceDependencies holds optional dependencies (follows framework pattern)
type ResilienceDependencies struct {
	Logger    core.Logger
	Telemetry core.Telemetry
}

func (d ResilienceDependencies) withDefaults() ResilienceDependencies {
	if d.Logger == nil {
		d.Logger = &core.NoOpLogger{}
	}
	if d.Telemetry == nil {
		d.Telemetry = &core.NoOpTelemetry{}
	}
	return d
}

// WithLogger creates dependency injection option
func WithLogger(logger core.Logger) func(*ResilienceDependencies) {
	return func(d *ResilienceDependencies) {
		d.Logger = logger
	}
}

// WithTelemetry creates dependency injection option
func WithTelemetry(telemetry core.Telemetry) func(*ResilienceDependencies) {
	return func(d *ResilienceDependencies) {
		d.Telemetry = telemetry
	}
}

// Wrap decorates the adapter for one source with the policies enabled in
// config. The rate limiter sits innermost, so every retry attempt takes a
// token; retry is outermost and stops as soon as the circuit is open.
func Wrap(name string, next orchestration.Adapter, config core.ResilienceConfig, opts ...func(*ResilienceDependencies)) (orchestration.Adapter, error) {
	var deps ResilienceDependencies
	for _, opt := range opts {
		opt(&deps)
	}
	deps = deps.withDefaults()

	adapter := next
	wrapped := false
	if config.RateLimit.Enabled {
		rl, err := NewRateLimiter(name, config.RateLimit, deps)
		if err != nil {
			return nil, err
		}
		adapter = rl.Wrap(adapter)
		wrapped = true
	}
	if config.CircuitBreaker.Enabled {
		cb, err := NewCircuitBreaker(name, config.CircuitBreaker, deps)
		if err != nil {
			return nil, err
		}
		adapter = cb.Wrap(adapter)
		wrapped = true
	}
	if config.Retry.Enabled && config.Retry.MaxAttempts > 1 {
		adapter = NewRetryAdapter(name, adapter, config.Retry, deps)
		wrapped = true
	}

	if wrapped {
		deps.Logger.Debug("Resilience policies applied", map[string]interface{}{
			"operation":       "resilience_wrap",
			"source":          name,
			"retry":           config.Retry.Enabled,
			"circuit_breaker": config.CircuitBreaker.Enabled,
			"rate_limit":      config.RateLimit.Enabled,
		})
	}
	return adapter, nil
}
