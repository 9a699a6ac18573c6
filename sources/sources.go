// Package sources turns the configured source list into an adapter
// registry: every source is opened by its driver, wrapped with the
// configured resilience policies and routed by name within its capability.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itsneelabh/fedquery/adapters/document"
	"github.com/itsneelabh/fedquery/adapters/graph"
	"github.com/itsneelabh/fedquery/adapters/relational"
	"github.com/itsneelabh/fedquery/adapters/remote"
	"github.com/itsneelabh/fedquery/adapters/vector"
	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
	"github.com/itsneelabh/fedquery/resilience"
)

// Opener opens one source. The returned closer may be nil.
type Opener func(ctx context.Context, src core.SourceConfig, logger core.Logger) (orchestration.Adapter, io.Closer, error)

// Source is one opened source.
type Source struct {
	Config core.SourceConfig
	// Adapter is the raw driver adapter, without resilience wrapping.
	Adapter orchestration.Adapter
	closer  io.Closer
}

// Set is the opened sources of one configuration.
type Set struct {
	Registry *orchestration.AdapterRegistry

	sources  map[string]*Source
	defaults map[orchestration.Capability]string
	logger   core.Logger
}

type options struct {
	logger    core.Logger
	telemetry core.Telemetry
	openers   map[string]Opener
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger handed to adapters and policies.
func WithLogger(logger core.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTelemetry sets the telemetry used by resilience policies.
func WithTelemetry(telemetry core.Telemetry) Option {
	return func(o *options) {
		if telemetry != nil {
			o.telemetry = telemetry
		}
	}
}

// WithOpener replaces or adds the opener for a driver.
func WithOpener(driver string, opener Opener) Option {
	return func(o *options) { o.openers[driver] = opener }
}

// DefaultOpeners returns the built-in driver openers.
func DefaultOpeners() map[string]Opener {
	return map[string]Opener{
		relational.DialectPostgres: openRelational,
		relational.DialectSQLite:   openRelational,
		"redis":                    openDocument,
		"badger":                   openGraph,
		"weaviate":                 openVector,
		"http":                     openRemote,
	}
}

// Open opens every configured source concurrently. If any source fails,
// the ones already opened are closed and the first error is returned.
func Open(ctx context.Context, cfg *core.Config, opts ...Option) (*Set, error) {
	o := &options{
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		openers:   DefaultOpeners(),
	}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fedquery/sources")
	}

	for _, src := range cfg.Sources {
		if _, ok := o.openers[src.Driver]; !ok {
			return nil, &core.FrameworkError{
				Op:      "sources.Open",
				Kind:    "config",
				ID:      src.Name,
				Message: fmt.Sprintf("no opener for driver %q", src.Driver),
				Err:     core.ErrInvalidConfiguration,
			}
		}
	}

	opened := make([]*Source, len(cfg.Sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range cfg.Sources {
		opener := o.openers[src.Driver]
		g.Go(func() error {
			start := time.Now()
			adapter, closer, err := opener(gctx, src, o.logger)
			if err != nil {
				return fmt.Errorf("open source %s (%s): %w", src.Name, src.Driver, err)
			}
			opened[i] = &Source{Config: src, Adapter: adapter, closer: closer}
			logger.Info("Source opened", map[string]interface{}{
				"operation":   "source_open",
				"source":      src.Name,
				"driver":      src.Driver,
				"capability":  src.Capability,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			return nil
		})
	}

	set := &Set{
		Registry: orchestration.NewAdapterRegistry(),
		sources:  make(map[string]*Source, len(cfg.Sources)),
		defaults: make(map[orchestration.Capability]string),
		logger:   logger,
	}
	if err := g.Wait(); err != nil {
		for _, s := range opened {
			if s != nil {
				set.sources[s.Config.Name] = s
			}
		}
		_ = set.Close()
		return nil, err
	}

	if err := set.route(opened, cfg.Resilience, o); err != nil {
		_ = set.Close()
		return nil, err
	}
	return set, nil
}

func (s *Set) route(opened []*Source, policy core.ResilienceConfig, o *options) error {
	routers := make(map[orchestration.Capability]*orchestration.SourceRouter)
	var order []orchestration.Capability

	for _, src := range opened {
		s.sources[src.Config.Name] = src

		capability, ok := orchestration.ParseCapability(src.Config.Capability)
		if !ok {
			return &core.FrameworkError{Op: "sources.Open", Kind: "config", ID: src.Config.Name, Message: "unknown capability " + src.Config.Capability, Err: core.ErrInvalidConfiguration}
		}
		wrapped, err := resilience.Wrap(src.Config.Name, src.Adapter, policy,
			resilience.WithLogger(o.logger), resilience.WithTelemetry(o.telemetry))
		if err != nil {
			return err
		}

		router, ok := routers[capability]
		if !ok {
			router = orchestration.NewSourceRouter(capability)
			routers[capability] = router
			order = append(order, capability)
		}
		if err := router.Add(src.Config.Name, wrapped, src.Config.Default); err != nil {
			return err
		}
	}
	s.defaults = DefaultSourceNames(s.configs(opened))

	for _, capability := range order {
		if err := s.Registry.Register(capability, routers[capability]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) configs(opened []*Source) []core.SourceConfig {
	out := make([]core.SourceConfig, len(opened))
	for i, src := range opened {
		out[i] = src.Config
	}
	return out
}

// DefaultSourceNames picks the default source of each capability: the one
// marked default, else the first configured.
func DefaultSourceNames(srcs []core.SourceConfig) map[orchestration.Capability]string {
	out := make(map[orchestration.Capability]string)
	for _, src := range srcs {
		capability, ok := orchestration.ParseCapability(src.Capability)
		if !ok {
			continue
		}
		if src.Default || out[capability] == "" {
			out[capability] = src.Name
		}
	}
	return out
}

// DefaultSources maps each capability to its default source name, the
// names the fallback rules should emit.
func (s *Set) DefaultSources() map[orchestration.Capability]string {
	out := make(map[orchestration.Capability]string, len(s.defaults))
	for c, name := range s.defaults {
		out[c] = name
	}
	return out
}

// Source returns an opened source by name.
func (s *Set) Source(name string) (*Source, bool) {
	src, ok := s.sources[name]
	return src, ok
}

// Names lists the opened sources in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every source that holds resources.
func (s *Set) Close() error {
	var errs []error
	for _, name := range s.Names() {
		src := s.sources[name]
		if src.closer == nil {
			continue
		}
		if err := src.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func openRelational(ctx context.Context, src core.SourceConfig, logger core.Logger) (orchestration.Adapter, io.Closer, error) {
	opts := []relational.Option{relational.WithLogger(logger)}
	if n, err := optionInt(src, "max_rows"); err != nil {
		return nil, nil, err
	} else if n > 0 {
		opts = append(opts, relational.WithMaxRows(n))
	}
	a, err := relational.Open(ctx, src.Driver, src.DSN, opts...)
	if err != nil {
		return nil, nil, err
	}
	return a, a, nil
}

func openDocument(ctx context.Context, src core.SourceConfig, logger core.Logger) (orchestration.Adapter, io.Closer, error) {
	a, err := document.Open(ctx, src.DSN,
		document.WithLogger(logger),
		document.WithNamespace(src.Options["namespace"]),
		document.WithDefaultCollection(src.Options["collection"]),
		document.WithKeyField(src.Options["key_field"]),
		document.WithIndexes(optionList(src, "indexes")...),
	)
	if err != nil {
		return nil, nil, err
	}
	return a, a, nil
}

func openGraph(_ context.Context, src core.SourceConfig, logger core.Logger) (orchestration.Adapter, io.Closer, error) {
	a, err := graph.Open(src.DSN, graph.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return a, a, nil
}

func openVector(ctx context.Context, src core.SourceConfig, logger core.Logger) (orchestration.Adapter, io.Closer, error) {
	a, err := vector.Open(ctx, src.DSN,
		vector.WithLogger(logger),
		vector.WithClass(src.Options["class"]),
		vector.WithKeyField(src.Options["key_field"]),
		vector.WithFields(optionList(src, "fields")...),
	)
	if err != nil {
		return nil, nil, err
	}
	return a, nil, nil
}

func openRemote(_ context.Context, src core.SourceConfig, logger core.Logger) (orchestration.Adapter, io.Closer, error) {
	capability, _ := orchestration.ParseCapability(src.Capability)
	a, err := remote.New(src.DSN,
		remote.WithLogger(logger),
		remote.WithOperation(capability, src.Options["operation"]),
	)
	if err != nil {
		return nil, nil, err
	}
	return a, nil, nil
}

func optionList(src core.SourceConfig, key string) []string {
	raw := src.Options[key]
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func optionInt(src core.SourceConfig, key string) (int, error) {
	raw := src.Options[key]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &core.FrameworkError{
			Op:      "sources.Open",
			Kind:    "config",
			ID:      src.Name,
			Message: fmt.Sprintf("option %s must be an integer, got %q", key, raw),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return n, nil
}
