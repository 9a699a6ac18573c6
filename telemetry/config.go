package telemetry

import (
	"os"

	"github.com/itsneelabh/fedquery/core"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config configures the telemetry provider
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       string // "none", "stdout", "otlp"
	Endpoint       string // OTLP gRPC endpoint
}

// FromCore maps the runtime configuration onto a provider configuration.
// A disabled section yields the "none" exporter; metrics are still collected.
func FromCore(cfg core.TelemetryConfig) Config {
	c := Config{
		ServiceName: cfg.ServiceName,
		Exporter:    cfg.Exporter,
		Endpoint:    cfg.Endpoint,
	}
	if !cfg.Enabled {
		c.Exporter = ExporterNone
	}
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "fedquery"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = core.Version
	}
	if c.Exporter == "" {
		c.Exporter = ExporterNone
	}
	if c.Exporter == ExporterOTLP && c.Endpoint == "" {
		c.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if c.Endpoint == "" {
			c.Endpoint = "localhost:4317" // Default
		}
	}
	return c
}
