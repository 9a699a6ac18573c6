package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments holds cached metric instruments for efficient recording.
// Instruments are created on first use from the declared definition; names
// that were never declared become counters when they end in "total" and
// histograms otherwise.
type MetricInstruments struct {
	meter          metric.Meter
	counters       map[string]metric.Float64Counter
	upDownCounters map[string]metric.Float64UpDownCounter
	histograms     map[string]metric.Float64Histogram
	gauges         map[string]metric.Float64Gauge
	mu             sync.RWMutex
}

// NewMetricInstruments creates a new metrics instrument cache
func NewMetricInstruments(meter metric.Meter) *MetricInstruments {
	return &MetricInstruments{
		meter:          meter,
		counters:       make(map[string]metric.Float64Counter),
		upDownCounters: make(map[string]metric.Float64UpDownCounter),
		histograms:     make(map[string]metric.Float64Histogram),
		gauges:         make(map[string]metric.Float64Gauge),
	}
}

// Record dispatches a value to the instrument its definition names.
func (m *MetricInstruments) Record(ctx context.Context, name string, value float64, labels map[string]string) error {
	def, ok := lookupDefinition(name)
	if !ok {
		def = MetricDefinition{Name: name, Type: inferType(name)}
	}
	attrs := attributesOf(labels)

	switch def.Type {
	case TypeCounter:
		return m.RecordCounter(ctx, def, value, metric.WithAttributes(attrs...))
	case TypeUpDownCounter:
		return m.RecordUpDownCounter(ctx, def, value, metric.WithAttributes(attrs...))
	case TypeGauge:
		return m.RecordGauge(ctx, def, value, metric.WithAttributes(attrs...))
	default:
		return m.RecordHistogram(ctx, def, value, metric.WithAttributes(attrs...))
	}
}

// Preregister creates instruments for every declared metric so they appear
// in exports before the first observation.
func (m *MetricInstruments) Preregister(defs []MetricDefinition) error {
	ctx := context.Background()
	for _, def := range defs {
		var err error
		switch def.Type {
		case TypeCounter:
			err = m.RecordCounter(ctx, def, 0)
		case TypeUpDownCounter:
			err = m.RecordUpDownCounter(ctx, def, 0)
		default:
			// Histograms and gauges are created lazily; a zero observation
			// would skew them.
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordCounter increments a counter metric
func (m *MetricInstruments) RecordCounter(ctx context.Context, def MetricDefinition, value float64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[def.Name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = m.counters[def.Name]; !exists {
			var err error
			counter, err = m.meter.Float64Counter(def.Name,
				metric.WithDescription(def.Help),
				metric.WithUnit(def.Unit),
			)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", def.Name, err)
			}
			m.counters[def.Name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordUpDownCounter records a value that can go up or down (like in-flight nodes)
func (m *MetricInstruments) RecordUpDownCounter(ctx context.Context, def MetricDefinition, value float64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.upDownCounters[def.Name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.upDownCounters[def.Name]; !exists {
			var err error
			counter, err = m.meter.Float64UpDownCounter(def.Name,
				metric.WithDescription(def.Help),
				metric.WithUnit(def.Unit),
			)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create up-down counter %s: %w", def.Name, err)
			}
			m.upDownCounters[def.Name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution (like latencies)
func (m *MetricInstruments) RecordHistogram(ctx context.Context, def MetricDefinition, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[def.Name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[def.Name]; !exists {
			options := []metric.Float64HistogramOption{
				metric.WithDescription(def.Help),
				metric.WithUnit(def.Unit),
			}
			if len(def.Buckets) > 0 {
				options = append(options, metric.WithExplicitBucketBoundaries(def.Buckets...))
			}
			var err error
			histogram, err = m.meter.Float64Histogram(def.Name, options...)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", def.Name, err)
			}
			m.histograms[def.Name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RecordGauge sets the current value of a gauge
func (m *MetricInstruments) RecordGauge(ctx context.Context, def MetricDefinition, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	gauge, exists := m.gauges[def.Name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if gauge, exists = m.gauges[def.Name]; !exists {
			var err error
			gauge, err = m.meter.Float64Gauge(def.Name,
				metric.WithDescription(def.Help),
				metric.WithUnit(def.Unit),
			)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create gauge %s: %w", def.Name, err)
			}
			m.gauges[def.Name] = gauge
		}
		m.mu.Unlock()
	}

	gauge.Record(ctx, value, opts...)
	return nil
}

func inferType(name string) string {
	if strings.HasSuffix(name, "total") {
		return TypeCounter
	}
	return TypeHistogram
}

// attributesOf converts labels to attributes in key order so that equal
// label sets always produce the same attribute set.
func attributesOf(labels map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}
