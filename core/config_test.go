package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "fedquery", cfg.Name)
	assert.Equal(t, 10*time.Second, cfg.Federation.NodeTimeout)
	assert.Equal(t, 30*time.Second, cfg.Federation.RunDeadline)
	assert.Equal(t, 8, cfg.Federation.MaxConcurrency)
	assert.True(t, cfg.Planner.FallbackEnabled)
	assert.Empty(t, cfg.Fusion.SourcePriority)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.False(t, cfg.Resilience.Retry.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fedquery.yaml")
	content := `
name: crm-federation
federation:
  node_timeout: 250ms
  run_deadline: 2s
  max_concurrency: 3
fusion:
  source_priority: [sql_customers, orders_mongo]
sources:
  - name: sql_customers
    capability: relational
    driver: sqlite
    dsn: "file::memory:"
    default: true
  - name: orders_mongo
    capability: document
    driver: redis
    dsn: redis://localhost:6379/0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "crm-federation", cfg.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.Federation.NodeTimeout)
	assert.Equal(t, 2*time.Second, cfg.Federation.RunDeadline)
	assert.Equal(t, 3, cfg.Federation.MaxConcurrency)
	assert.Equal(t, []string{"sql_customers", "orders_mongo"}, cfg.Fusion.SourcePriority)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "relational", cfg.Sources[0].Capability)
	assert.True(t, cfg.Sources[0].Default)
}

func TestLoadFromFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fedquery.json")
	content := `{"name": "json-config", "federation": {"node_timeout": "1s", "run_deadline": "5s", "max_concurrency": 2}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "json-config", cfg.Name)
	assert.Equal(t, time.Second, cfg.Federation.NodeTimeout)
	assert.Equal(t, 2, cfg.Federation.MaxConcurrency)
}

func TestLoadFromFile_Errors(t *testing.T) {
	t.Run("unsupported extension", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.LoadFromFile("config.toml")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("federation: [unclosed"), 0o600))
		cfg := DefaultConfig()
		err := cfg.LoadFromFile(path)
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err))
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEDQUERY_NODE_TIMEOUT", "750ms")
	t.Setenv("FEDQUERY_RUN_DEADLINE", "3s")
	t.Setenv("FEDQUERY_MAX_CONCURRENCY", "4")
	t.Setenv("FEDQUERY_SOURCE_PRIORITY", "a, b ,,c")
	t.Setenv("FEDQUERY_LOG_LEVEL", "DEBUG")
	t.Setenv("FEDQUERY_CB_ENABLED", "yes")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, cfg.Federation.NodeTimeout)
	assert.Equal(t, 3*time.Second, cfg.Federation.RunDeadline)
	assert.Equal(t, 4, cfg.Federation.MaxConcurrency)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Fusion.SourcePriority)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Resilience.CircuitBreaker.Enabled)
}

func TestLoadFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("FEDQUERY_NODE_TIMEOUT", "soon")

	_, err := NewConfig()
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

// TestConfigPriority verifies options override env which overrides the file
func TestConfigPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("federation:\n  max_concurrency: 2\n  node_timeout: 1s\n  run_deadline: 9s\n"), 0o600))
	t.Setenv("FEDQUERY_MAX_CONCURRENCY", "5")
	t.Setenv("FEDQUERY_NODE_TIMEOUT", "2s")

	cfg, err := LoadConfig(path, WithMaxConcurrency(7))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Federation.MaxConcurrency, "option wins over env")
	assert.Equal(t, 2*time.Second, cfg.Federation.NodeTimeout, "env wins over file")
	assert.Equal(t, 9*time.Second, cfg.Federation.RunDeadline, "file wins over default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero node timeout",
			mutate:  func(c *Config) { c.Federation.NodeTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Federation.MaxConcurrency = 0 },
			wantErr: true,
		},
		{
			name:    "empty name",
			mutate:  func(c *Config) { c.Name = "" },
			wantErr: true,
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Exporter = "otlp"
			},
			wantErr: true,
		},
		{
			name: "unknown capability",
			mutate: func(c *Config) {
				c.Sources = []SourceConfig{{Name: "s", Capability: "timeseries", Driver: "http", DSN: "http://x"}}
			},
			wantErr: true,
		},
		{
			name: "driver cannot serve capability",
			mutate: func(c *Config) {
				c.Sources = []SourceConfig{{Name: "s", Capability: "graph", Driver: "redis", DSN: "redis://x"}}
			},
			wantErr: true,
		},
		{
			name: "http serves anything",
			mutate: func(c *Config) {
				c.Sources = []SourceConfig{{Name: "s", Capability: "graph", Driver: "http", DSN: "http://x"}}
			},
		},
		{
			name: "duplicate source names",
			mutate: func(c *Config) {
				c.Sources = []SourceConfig{
					{Name: "s", Capability: "graph", Driver: "badger", DSN: "/tmp/g"},
					{Name: "s", Capability: "vector", Driver: "weaviate", DSN: "http://w"},
				}
			},
			wantErr: true,
		},
		{
			name: "two defaults for one capability",
			mutate: func(c *Config) {
				c.Sources = []SourceConfig{
					{Name: "a", Capability: "relational", Driver: "sqlite", DSN: ":memory:", Default: true},
					{Name: "b", Capability: "relational", Driver: "postgres", DSN: "postgres://x", Default: true},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigurationError(err), "expected configuration error, got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFunctionalOptions_RejectInvalid(t *testing.T) {
	_, err := NewConfig(WithNodeTimeout(-time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))

	_, err = NewConfig(WithMaxConcurrency(0))
	require.Error(t, err)

	cfg, err := NewConfig(WithSourcePriority("x", "y"), WithRetry(4, time.Millisecond), WithCircuitBreaker(2, time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, cfg.Fusion.SourcePriority)
	assert.True(t, cfg.Resilience.Retry.Enabled)
	assert.Equal(t, 4, cfg.Resilience.Retry.MaxAttempts)
	assert.Equal(t, 2, cfg.Resilience.CircuitBreaker.Threshold)
}
