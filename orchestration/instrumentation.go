package orchestration

import "github.com/itsneelabh/fedquery/telemetry"

// Span names.
const (
	SpanRun  = "federation.run"
	SpanNode = "federation.node"
)

// Metric names.
const (
	MetricNodesTotal   = "federation.nodes.total"
	MetricNodeDuration = "federation.node.duration_ms"
	MetricRunsTotal    = "federation.runs.total"
	MetricRunDuration  = "federation.run.duration_ms"
	MetricFusedFields  = "federation.fusion.fields"
	MetricConflicts    = "federation.fusion.conflicts"
	MetricPlansTotal   = "federation.plans.total"
)

func init() {
	telemetry.DeclareMetrics("federation", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   MetricNodesTotal,
				Type:   "counter",
				Help:   "Plan nodes reaching a terminal state",
				Labels: []string{"capability", "status"},
			},
			{
				Name:    MetricNodeDuration,
				Type:    "histogram",
				Help:    "Adapter call duration in milliseconds",
				Labels:  []string{"capability", "status"},
				Unit:    "ms",
				Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
			},
			{
				Name:   MetricRunsTotal,
				Type:   "counter",
				Help:   "Plan executions by outcome",
				Labels: []string{"status"},
			},
			{
				Name:    MetricRunDuration,
				Type:    "histogram",
				Help:    "Plan execution duration in milliseconds",
				Labels:  []string{"status"},
				Unit:    "ms",
				Buckets: []float64{10, 100, 1000, 10000, 60000},
			},
			{
				Name:   MetricFusedFields,
				Type:   "counter",
				Help:   "Entity fields written by fusion",
				Labels: []string{"entity"},
			},
			{
				Name:   MetricConflicts,
				Type:   "counter",
				Help:   "Field conflicts resolved by fusion",
				Labels: []string{"entity"},
			},
			{
				Name:   MetricPlansTotal,
				Type:   "counter",
				Help:   "Plans built by origin",
				Labels: []string{"origin", "status"},
			},
		},
	})
}
