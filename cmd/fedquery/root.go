package main

import (
	"github.com/spf13/cobra"

	"github.com/itsneelabh/fedquery/core"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	format     string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "fedquery",
		Short: "Federated queries across relational, document, graph and vector sources",
		Long: `fedquery turns one query into a dependency graph of source-specific
subqueries, runs them layer by layer with bounded concurrency and fuses the
partial results into one answer with field-level provenance.

Examples:
  fedquery plan "recent orders and referrals for cust010"
  fedquery validate -f plan.yaml
  fedquery run --config fedquery.yaml "similar customers to cust004"
  fedquery run --demo --trace stdout "orders for customer 7"
  fedquery seed --config fedquery.yaml --customers 100`,
		SilenceUsage: true,
		Version:      core.Version,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "configuration file (YAML or JSON)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&g.format, "output", "o", "", "output format: json, yaml or text")

	root.AddCommand(
		newPlanCmd(g),
		newValidateCmd(g),
		newRunCmd(g),
		newSeedCmd(g),
	)
	return root
}

// loadConfig applies the file and flag overrides on top of defaults and env.
func (g *globalOptions) loadConfig(extra ...core.Option) (*core.Config, error) {
	var opts []core.Option
	if g.logLevel != "" {
		opts = append(opts, core.WithLogLevel(g.logLevel))
	}
	return core.LoadConfig(g.configPath, append(opts, extra...)...)
}

func (g *globalOptions) logger(cfg *core.Config) core.Logger {
	return core.NewProductionLogger(cfg.Logging, cfg.Name)
}
