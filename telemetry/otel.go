package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/fedquery/core"
)

const instrumentationName = "github.com/itsneelabh/fedquery"

// OTelProvider implements core.Telemetry with OpenTelemetry. Spans go to
// the configured exporter; metrics go to a Prometheus registry owned by the
// provider.
type OTelProvider struct {
	tracer        trace.Tracer
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
	metrics       *MetricInstruments
	registry      *prometheus.Registry
	logger        core.Logger
}

// Option customizes provider construction.
type Option func(*providerOptions)

type providerOptions struct {
	spanExporter sdktrace.SpanExporter
	writer       io.Writer
	logger       core.Logger
	global       bool
}

// WithSpanExporter sends spans to the given exporter synchronously,
// overriding Config.Exporter. Tests pass a tracetest.InMemoryExporter.
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *providerOptions) { o.spanExporter = exporter }
}

// WithWriter sets the destination of the stdout exporter.
func WithWriter(w io.Writer) Option {
	return func(o *providerOptions) { o.writer = w }
}

// WithLogger sets the logger used for provider lifecycle messages.
func WithLogger(logger core.Logger) Option {
	return func(o *providerOptions) { o.logger = logger }
}

// AsGlobal installs the tracer provider and W3C propagator globally so
// instrumented HTTP transports pick them up.
func AsGlobal() Option {
	return func(o *providerOptions) { o.global = true }
}

// NewOTelProvider creates a new OpenTelemetry provider
func NewOTelProvider(ctx context.Context, cfg Config, opts ...Option) (*OTelProvider, error) {
	cfg = cfg.withDefaults()
	o := providerOptions{writer: os.Stdout, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch {
	case o.spanExporter != nil:
		tpOpts = append(tpOpts, sdktrace.WithSyncer(o.spanExporter))
	case cfg.Exporter == ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(o.writer), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithSyncer(exporter))
	case cfg.Exporter == ExporterOTLP:
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	case cfg.Exporter == ExporterNone:
	default:
		return nil, &core.FrameworkError{
			Op:      "NewOTelProvider",
			Kind:    "telemetry",
			ID:      cfg.Exporter,
			Message: "unknown trace exporter",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)

	if o.global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
	}

	p := &OTelProvider{
		tracer:        tp.Tracer(instrumentationName),
		traceProvider: tp,
		meterProvider: mp,
		metrics:       NewMetricInstruments(mp.Meter(instrumentationName)),
		registry:      registry,
		logger:        o.logger,
	}
	if err := p.metrics.Preregister(DeclaredMetrics()); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	p.logger.Info("Telemetry enabled", map[string]interface{}{
		"operation": "telemetry_init",
		"service":   cfg.ServiceName,
		"exporter":  cfg.Exporter,
		"endpoint":  cfg.Endpoint,
	})
	return p, nil
}

// StartSpan starts a new telemetry span
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a metric through the instrument cache
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	if err := o.metrics.Record(context.Background(), name, value, labels); err != nil {
		o.logger.Warn("Failed to record metric", map[string]interface{}{
			"operation": "record_metric",
			"metric":    name,
			"error":     err.Error(),
		})
	}
}

// Emit is RecordMetric with "key", "value" label pairs.
func (o *OTelProvider) Emit(name string, value float64, labels ...string) {
	o.RecordMetric(name, value, parseLabels(labels...))
}

// TracerProvider exposes the SDK tracer provider for instrumented transports.
func (o *OTelProvider) TracerProvider() trace.TracerProvider {
	return o.traceProvider
}

// Registry returns the Prometheus registry that holds all recorded metrics.
func (o *OTelProvider) Registry() *prometheus.Registry {
	return o.registry
}

// WriteMetrics writes every metric family in the Prometheus text format.
func (o *OTelProvider) WriteMetrics(w io.Writer) error {
	families, err := o.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Shutdown gracefully shuts down the telemetry provider
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return errors.Join(
		o.traceProvider.Shutdown(ctx),
		o.meterProvider.Shutdown(ctx),
	)
}

// otelSpan wraps an OpenTelemetry span to implement core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case []string:
		s.span.SetAttributes(attribute.StringSlice(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}
