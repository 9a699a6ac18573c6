package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"

	"github.com/itsneelabh/fedquery/adapters/graph"
	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
	"github.com/itsneelabh/fedquery/sources"
	"github.com/itsneelabh/fedquery/telemetry"
)

// demoCustomers is the size of the sample dataset behind --demo.
const demoCustomers = 50

// runtime is everything a command needs to talk to live sources.
type runtime struct {
	cfg       *core.Config
	logger    core.Logger
	telemetry *telemetry.OTelProvider
	sources   *sources.Set
	closers   []func() error
}

type runtimeOptions struct {
	demo     bool
	trace    string
	traceOut io.Writer
}

// demoSources starts an in-process Redis and returns embedded sources for
// the relational, document and graph capabilities.
func demoSources() (*miniredis.Miniredis, []core.Option, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded redis: %w", err)
	}
	return mr, []core.Option{
		core.WithSource(core.SourceConfig{Name: "sql_customers", Capability: "relational", Driver: "sqlite", DSN: ":memory:", Default: true}),
		core.WithSource(core.SourceConfig{Name: "orders_mongo", Capability: "document", Driver: "redis", DSN: "redis://" + mr.Addr(), Default: true}),
		core.WithSource(core.SourceConfig{Name: "graph_referrals", Capability: "graph", Driver: "badger", DSN: graph.InMemoryDSN, Default: true}),
	}, nil
}

func openRuntime(ctx context.Context, g *globalOptions, ro runtimeOptions) (*runtime, error) {
	rt := &runtime{}
	opened := false
	defer func() {
		if !opened {
			_ = rt.Close(ctx)
		}
	}()

	var opts []core.Option
	if ro.demo {
		mr, demoOpts, err := demoSources()
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { mr.Close(); return nil })
		opts = append(opts, demoOpts...)
	}
	if ro.trace != "" {
		exporter := ro.trace
		opts = append(opts, func(c *core.Config) error {
			c.Telemetry.Enabled = exporter != telemetry.ExporterNone
			c.Telemetry.Exporter = exporter
			return nil
		})
	}

	var err error
	rt.cfg, err = g.loadConfig(opts...)
	if err != nil {
		return nil, err
	}
	rt.logger = g.logger(rt.cfg)

	traceOut := ro.traceOut
	if traceOut == nil {
		traceOut = os.Stderr
	}
	rt.telemetry, err = telemetry.NewOTelProvider(ctx, telemetry.FromCore(rt.cfg.Telemetry),
		telemetry.WithWriter(traceOut),
		telemetry.WithLogger(rt.logger),
		telemetry.AsGlobal(),
	)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { return rt.telemetry.Shutdown(context.Background()) })

	rt.sources, err = sources.Open(ctx, rt.cfg,
		sources.WithLogger(rt.logger),
		sources.WithTelemetry(rt.telemetry),
	)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.sources.Close)

	if ro.demo {
		if _, err := rt.sources.Seed(ctx, sources.SampleDataset(demoCustomers)); err != nil {
			return nil, err
		}
	}
	opened = true
	return rt, nil
}

// Close releases sources, flushes telemetry and stops embedded services,
// in reverse order of acquisition.
func (rt *runtime) Close(context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *runtime) federator() *orchestration.Federator {
	opts := []orchestration.FederatorOption{
		orchestration.WithLogger(rt.logger),
		orchestration.WithTelemetry(rt.telemetry),
	}
	if rt.cfg.Planner.FallbackEnabled {
		opts = append(opts, orchestration.WithFallback(orchestration.NewRuleSet(rt.sources.DefaultSources())))
	}
	return orchestration.NewFederatorFromConfig(rt.cfg, rt.sources.Registry, opts...)
}

func newRunCmd(g *globalOptions) *cobra.Command {
	var (
		file       string
		demo       bool
		trace      string
		metricsOut string
	)
	cmd := &cobra.Command{
		Use:   "run [query]",
		Short: "Execute a query or a plan document against the configured sources",
		Long: `Run opens every configured source, executes the plan layer by layer and
prints the fused answer. The plan comes from a plan document (-f) or from
the fallback rules applied to the query.

--demo adds embedded relational, document and graph sources seeded with
sample customers, orders and referrals.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if file == "" && len(args) == 0 {
				return fmt.Errorf("a query or -f <plan> is required")
			}
			if file != "" && len(args) > 0 {
				return fmt.Errorf("a query and -f <plan> are mutually exclusive")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var doc *orchestration.PlanDocument
			if file != "" {
				var err error
				if doc, err = orchestration.LoadPlanDocument(file); err != nil {
					return err
				}
			}

			rt, err := openRuntime(ctx, g, runtimeOptions{demo: demo, trace: trace, traceOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			fed := rt.federator()
			var result *orchestration.FusionResult
			if doc != nil {
				result, err = fed.Run(ctx, doc.Nodes)
			} else {
				result, err = fed.Query(ctx, strings.Join(args, " "))
			}
			if err != nil {
				return err
			}

			if err := render(cmd.OutOrStdout(), formatOr(g.format, formatJSON), result, result.Summary); err != nil {
				return err
			}
			if metricsOut != "" {
				return writeMetrics(rt.telemetry, metricsOut)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan document to execute instead of a query")
	cmd.Flags().BoolVar(&demo, "demo", false, "add embedded sample sources")
	cmd.Flags().StringVar(&trace, "trace", "", "trace exporter override: none, stdout or otlp")
	cmd.Flags().StringVar(&metricsOut, "metrics-out", "", "write Prometheus text metrics to this file after the run")
	return cmd
}

func writeMetrics(p *telemetry.OTelProvider, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	if err := p.WriteMetrics(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newSeedCmd(g *globalOptions) *cobra.Command {
	var customers int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the sample dataset into the configured sources",
		Long: `Seed writes sample customers, orders, referral edges and embeddings into
every configured relational, document, graph and vector source. Remote
sources are skipped. Seeding twice leaves the same data.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if customers < 1 {
				return fmt.Errorf("--customers must be at least 1")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := openRuntime(ctx, g, runtimeOptions{traceOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if len(rt.cfg.Sources) == 0 {
				return fmt.Errorf("no sources configured: %w", core.ErrMissingConfiguration)
			}
			report, err := rt.sources.Seed(ctx, sources.SampleDataset(customers))
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), formatOr(g.format, formatYAML), report, nil)
		},
	}
	cmd.Flags().IntVar(&customers, "customers", demoCustomers, "number of sample customers")
	return cmd
}
