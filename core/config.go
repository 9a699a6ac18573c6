package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a federation runtime.
// It supports four-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Configuration file (YAML or JSON)
//  3. Environment variables
//  4. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := LoadConfig("fedquery.yaml",
//	    WithMaxConcurrency(8),
//	    WithNodeTimeout(5*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Name string `yaml:"name" json:"name" validate:"required"`

	Federation FederationConfig `yaml:"federation" json:"federation"`
	Fusion     FusionConfig     `yaml:"fusion" json:"fusion"`
	Planner    PlannerConfig    `yaml:"planner" json:"planner"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Resilience ResilienceConfig `yaml:"resilience" json:"resilience"`

	Sources []SourceConfig `yaml:"sources" json:"sources" validate:"dive"`
}

// FederationConfig is the execution surface read once per request.
type FederationConfig struct {
	NodeTimeout    time.Duration `yaml:"node_timeout" json:"node_timeout" validate:"gt=0"`
	RunDeadline    time.Duration `yaml:"run_deadline" json:"run_deadline" validate:"gt=0"`
	MaxConcurrency int           `yaml:"max_concurrency" json:"max_concurrency" validate:"gte=1,lte=1024"`
}

// FusionConfig controls how partial results are merged.
// SourcePriority lists source names whose values win field conflicts,
// highest priority first. Empty keeps plan order.
type FusionConfig struct {
	SourcePriority []string `yaml:"source_priority" json:"source_priority"`
}

// PlannerConfig controls plan acquisition.
type PlannerConfig struct {
	FallbackEnabled bool `yaml:"fallback_enabled" json:"fallback_enabled"`
}

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=json text"`
	Output string `yaml:"output" json:"output" validate:"omitempty,oneof=stdout stderr"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Exporter    string `yaml:"exporter" json:"exporter" validate:"omitempty,oneof=none stdout otlp"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// ResilienceConfig contains the adapter-side fault tolerance policies.
// The executor never retries; these wrap the adapters instead.
type ResilienceConfig struct {
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
}

// RetryConfig defines retry pattern settings with exponential backoff.
// Formula: interval = min(InitialInterval * (Multiplier ^ attempt), MaxInterval)
type RetryConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval" validate:"gte=0"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier" validate:"gte=1"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings.
// After Threshold consecutive failures the breaker opens for Timeout,
// then lets one probe through.
type CircuitBreakerConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Threshold int           `yaml:"threshold" json:"threshold" validate:"gte=1"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// RateLimitConfig is a token bucket applied per source.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gt=0"`
	Burst             int     `yaml:"burst" json:"burst" validate:"gte=1"`
}

// SourceConfig describes one live data source.
// DSN carries the driver-specific address: a SQL DSN, a redis:// URL,
// a Badger directory, a Weaviate URL or an HTTP base URL.
type SourceConfig struct {
	Name       string            `yaml:"name" json:"name" validate:"required"`
	Capability string            `yaml:"capability" json:"capability" validate:"required,oneof=relational document graph vector"`
	Driver     string            `yaml:"driver" json:"driver" validate:"required,oneof=postgres sqlite redis badger weaviate http"`
	DSN        string            `yaml:"dsn" json:"dsn" validate:"required"`
	Default    bool              `yaml:"default" json:"default"`
	Options    map[string]string `yaml:"options" json:"options"`
}

// driverCapabilities lists which capabilities a driver can serve.
// The http driver proxies any capability.
var driverCapabilities = map[string][]string{
	"postgres": {"relational"},
	"sqlite":   {"relational"},
	"redis":    {"document"},
	"badger":   {"graph"},
	"weaviate": {"vector"},
	"http":     {"relational", "document", "graph", "vector"},
}

// Option is a functional option for configuring the runtime.
// Options are applied in order and can return an error if the configuration is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "fedquery",
		Federation: FederationConfig{
			NodeTimeout:    10 * time.Second,
			RunDeadline:    30 * time.Second,
			MaxConcurrency: 8,
		},
		Planner: PlannerConfig{
			FallbackEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "fedquery",
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Threshold: 5,
				Timeout:   30 * time.Second,
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				Burst:             10,
			},
		},
	}
}

// LoadFromFile overlays a YAML or JSON file onto the configuration.
// JSON is parsed with the YAML decoder, so durations may be written as
// strings such as "250ms" in both formats.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return &FrameworkError{
			Op:      "Config.LoadFromFile",
			Kind:    "config",
			Message: fmt.Sprintf("unsupported config file extension %q", ext),
			Err:     ErrInvalidConfiguration,
		}
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- operator supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return &FrameworkError{
			Op:      "Config.LoadFromFile",
			Kind:    "config",
			Message: fmt.Sprintf("failed to parse %s", cleanPath),
			Err:     errors.Join(ErrInvalidConfiguration, err),
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
//
// Supported variables:
//   - FEDQUERY_NAME, FEDQUERY_NODE_TIMEOUT, FEDQUERY_RUN_DEADLINE, FEDQUERY_MAX_CONCURRENCY
//   - FEDQUERY_SOURCE_PRIORITY (comma separated), FEDQUERY_FALLBACK_ENABLED
//   - FEDQUERY_LOG_LEVEL, FEDQUERY_LOG_FORMAT
//   - FEDQUERY_TELEMETRY_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME
//   - FEDQUERY_RETRY_MAX_ATTEMPTS, FEDQUERY_CB_ENABLED, FEDQUERY_RATE_LIMIT_RPS
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("FEDQUERY_NAME"); v != "" {
		c.Name = v
	}
	if err := envDuration("FEDQUERY_NODE_TIMEOUT", &c.Federation.NodeTimeout); err != nil {
		return err
	}
	if err := envDuration("FEDQUERY_RUN_DEADLINE", &c.Federation.RunDeadline); err != nil {
		return err
	}
	if err := envInt("FEDQUERY_MAX_CONCURRENCY", &c.Federation.MaxConcurrency); err != nil {
		return err
	}
	if v := os.Getenv("FEDQUERY_SOURCE_PRIORITY"); v != "" {
		c.Fusion.SourcePriority = parseStringList(v)
	}
	if v := os.Getenv("FEDQUERY_FALLBACK_ENABLED"); v != "" {
		c.Planner.FallbackEnabled = parseBool(v)
	}

	if v := os.Getenv("FEDQUERY_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("FEDQUERY_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	if v := os.Getenv("FEDQUERY_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
		c.Telemetry.Enabled = v != "none"
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}

	if err := envInt("FEDQUERY_RETRY_MAX_ATTEMPTS", &c.Resilience.Retry.MaxAttempts); err != nil {
		return err
	}
	if v := os.Getenv("FEDQUERY_CB_ENABLED"); v != "" {
		c.Resilience.CircuitBreaker.Enabled = parseBool(v)
	}
	if v := os.Getenv("FEDQUERY_RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("FEDQUERY_RATE_LIMIT_RPS", v, err)
		}
		c.Resilience.RateLimit.Enabled = true
		c.Resilience.RateLimit.RequestsPerSecond = rps
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags first, then cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &FrameworkError{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: fmt.Sprintf("field %s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value()),
				Err:     ErrInvalidConfiguration,
			}
		}
		return NewFrameworkError("Config.Validate", "config", errors.Join(ErrInvalidConfiguration, err))
	}

	if c.Telemetry.Enabled && c.Telemetry.Exporter == "otlp" && c.Telemetry.Endpoint == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "telemetry endpoint is required for the otlp exporter",
			Err:     ErrMissingConfiguration,
		}
	}

	names := make(map[string]bool, len(c.Sources))
	defaults := make(map[string]string)
	for _, src := range c.Sources {
		if names[src.Name] {
			return &FrameworkError{
				Op:      "Config.Validate",
				Kind:    "config",
				ID:      src.Name,
				Message: fmt.Sprintf("duplicate source name %q", src.Name),
				Err:     ErrInvalidConfiguration,
			}
		}
		names[src.Name] = true

		if !driverServes(src.Driver, src.Capability) {
			return &FrameworkError{
				Op:      "Config.Validate",
				Kind:    "config",
				ID:      src.Name,
				Message: fmt.Sprintf("driver %s cannot serve capability %s", src.Driver, src.Capability),
				Err:     ErrInvalidConfiguration,
			}
		}

		if src.Default {
			if other, ok := defaults[src.Capability]; ok {
				return &FrameworkError{
					Op:      "Config.Validate",
					Kind:    "config",
					ID:      src.Name,
					Message: fmt.Sprintf("sources %s and %s are both default for %s", other, src.Name, src.Capability),
					Err:     ErrInvalidConfiguration,
				}
			}
			defaults[src.Capability] = src.Name
		}
	}

	return nil
}

func driverServes(driver, capability string) bool {
	for _, c := range driverCapabilities[driver] {
		if c == capability {
			return true
		}
	}
	return false
}

// Helper functions

// parseStringList splits a comma-separated string into a slice of strings.
// Whitespace is trimmed from each element, and empty strings are filtered out.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool accepts "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return envError(key, v, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return envError(key, v, err)
	}
	*dst = n
	return nil
}

func envError(key, value string, err error) error {
	return &FrameworkError{
		Op:      "Config.LoadFromEnv",
		Kind:    "config",
		ID:      key,
		Message: fmt.Sprintf("invalid value %q", value),
		Err:     errors.Join(ErrInvalidConfiguration, err),
	}
}

// Functional Options

// WithName sets the runtime name used in logs and telemetry.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithNodeTimeout sets the per-node adapter timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return &FrameworkError{
				Op:      "WithNodeTimeout",
				Kind:    "config",
				Message: fmt.Sprintf("node timeout must be positive, got %s", d),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Federation.NodeTimeout = d
		return nil
	}
}

// WithRunDeadline sets the overall run deadline.
func WithRunDeadline(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return &FrameworkError{
				Op:      "WithRunDeadline",
				Kind:    "config",
				Message: fmt.Sprintf("run deadline must be positive, got %s", d),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Federation.RunDeadline = d
		return nil
	}
}

// WithMaxConcurrency bounds the number of adapters running at once.
func WithMaxConcurrency(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return &FrameworkError{
				Op:      "WithMaxConcurrency",
				Kind:    "config",
				Message: fmt.Sprintf("max concurrency must be at least 1, got %d", n),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Federation.MaxConcurrency = n
		return nil
	}
}

// WithSourcePriority sets the fusion tie-break order.
func WithSourcePriority(sources ...string) Option {
	return func(c *Config) error {
		c.Fusion.SourcePriority = append([]string(nil), sources...)
		return nil
	}
}

// WithLogLevel sets the logging level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = strings.ToLower(level)
		return nil
	}
}

// WithTelemetry enables telemetry with the given exporter and endpoint.
func WithTelemetry(exporter, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = exporter != "none"
		c.Telemetry.Exporter = exporter
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithSource appends a source definition.
func WithSource(src SourceConfig) Option {
	return func(c *Config) error {
		c.Sources = append(c.Sources, src)
		return nil
	}
}

// WithRetry enables adapter retries.
func WithRetry(maxAttempts int, initialInterval time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.Retry.Enabled = true
		c.Resilience.Retry.MaxAttempts = maxAttempts
		c.Resilience.Retry.InitialInterval = initialInterval
		return nil
	}
}

// WithCircuitBreaker enables per-source circuit breakers.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.CircuitBreaker.Enabled = true
		c.Resilience.CircuitBreaker.Threshold = threshold
		c.Resilience.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// NewConfig builds a configuration from defaults, environment and options.
func NewConfig(opts ...Option) (*Config, error) {
	return LoadConfig("", opts...)
}

// LoadConfig builds a configuration from defaults, an optional file,
// environment variables and functional options, in that order, then validates it.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
