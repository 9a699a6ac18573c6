package telemetry

import (
	"sort"
	"sync"
)

var (
	// declaredMetrics stores metric declarations from init() functions.
	// Packages declare their metrics before any provider exists; the
	// provider reads them when it creates instruments.
	declaredMetrics sync.Map // map[string]ModuleConfig
)

// Metric types understood by the instrument cache.
const (
	TypeCounter       = "counter"
	TypeHistogram     = "histogram"
	TypeGauge         = "gauge"
	TypeUpDownCounter = "updowncounter"
)

// ModuleConfig represents metric configuration for a module
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// MetricDefinition defines a metric's metadata
type MetricDefinition struct {
	Name    string
	Type    string // counter, histogram, gauge, updowncounter
	Help    string
	Labels  []string
	Unit    string    // optional: ms, bytes, etc.
	Buckets []float64 // optional: for histograms
}

// DeclareMetrics registers metric definitions for a module.
// It is safe to call from init() functions.
//
// Example:
//
//	func init() {
//	    telemetry.DeclareMetrics("federation", telemetry.ModuleConfig{
//	        Metrics: []telemetry.MetricDefinition{
//	            {Name: "federation.runs.total", Type: "counter"},
//	        },
//	    })
//	}
func DeclareMetrics(module string, config ModuleConfig) {
	declaredMetrics.Store(module, config)
}

// DeclaredMetrics returns every declared definition, sorted by name.
func DeclaredMetrics() []MetricDefinition {
	var defs []MetricDefinition
	declaredMetrics.Range(func(_, value interface{}) bool {
		defs = append(defs, value.(ModuleConfig).Metrics...)
		return true
	})
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// lookupDefinition finds the declaration for a metric name.
func lookupDefinition(name string) (MetricDefinition, bool) {
	var (
		found MetricDefinition
		ok    bool
	)
	declaredMetrics.Range(func(_, value interface{}) bool {
		for _, def := range value.(ModuleConfig).Metrics {
			if def.Name == name {
				found, ok = def, true
				return false
			}
		}
		return true
	})
	return found, ok
}

// parseLabels - Convert variadic strings to map
// "key1", "val1", "key2", "val2" -> map[string]string
func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string)
	for i := 0; i < len(labels)-1; i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}
