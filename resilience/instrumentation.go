package resilience

import "github.com/itsneelabh/fedquery/telemetry"

// Metric names.
const (
	MetricRetries            = "resilience.retries.total"
	MetricCircuitTransitions = "resilience.circuit.transitions.total"
	MetricCircuitRejections  = "resilience.circuit.rejections.total"
	MetricRateLimited        = "resilience.ratelimit.rejections.total"
	MetricRateLimitWait      = "resilience.ratelimit.wait_ms"
)

func init() {
	telemetry.DeclareMetrics("resilience", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   MetricRetries,
				Type:   telemetry.TypeCounter,
				Help:   "Subquery retry attempts",
				Labels: []string{"source"},
			},
			{
				Name:   MetricCircuitTransitions,
				Type:   telemetry.TypeCounter,
				Help:   "Circuit breaker state transitions",
				Labels: []string{"source", "to"},
			},
			{
				Name:   MetricCircuitRejections,
				Type:   telemetry.TypeCounter,
				Help:   "Calls rejected by an open circuit",
				Labels: []string{"source"},
			},
			{
				Name:   MetricRateLimited,
				Type:   telemetry.TypeCounter,
				Help:   "Calls that could not get a rate limit token in time",
				Labels: []string{"source"},
			},
			{
				Name:    MetricRateLimitWait,
				Type:    telemetry.TypeHistogram,
				Help:    "Time spent waiting for a rate limit token",
				Labels:  []string{"source"},
				Unit:    "ms",
				Buckets: []float64{1, 5, 25, 100, 500, 2000},
			},
		},
	})
}
