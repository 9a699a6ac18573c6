package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/fedquery/orchestration"
	"github.com/itsneelabh/fedquery/sources"
)

// planView is the printed form of a validated plan.
type planView struct {
	PlanID string                            `json:"plan_id"`
	Origin string                            `json:"origin,omitempty"`
	Query  string                            `json:"query,omitempty"`
	Layers [][]string                        `json:"layers"`
	Nodes  []orchestration.CandidateSubquery `json:"nodes"`
}

func newPlanView(plan *orchestration.Plan, doc *orchestration.PlanDocument, origin string) planView {
	return planView{
		PlanID: plan.ID,
		Origin: origin,
		Query:  doc.Query,
		Layers: plan.Layers(),
		Nodes:  doc.Nodes,
	}
}

func (v planView) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s (%d node(s))\n", v.PlanID, len(v.Nodes))
	for i, layer := range v.Layers {
		fmt.Fprintf(&b, "  layer %d: %s\n", i, strings.Join(layer, ", "))
	}
	return b.String()
}

func newPlanCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <query>",
		Short: "Print the fallback plan for a query",
		Long: `Plan maps a query onto the deterministic fallback rules and prints the
validated plan with its execution layers. Preferred sources follow the
configured defaults when --config is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			rules := orchestration.NewRuleSet(sources.DefaultSourceNames(cfg.Sources))

			candidates, err := rules.Candidates(query)
			if err != nil {
				return err
			}
			builder := orchestration.NewPlanBuilder()
			builder.SetLogger(g.logger(cfg))
			plan, err := builder.Build(candidates)
			if err != nil {
				return err
			}

			view := newPlanView(plan, &orchestration.PlanDocument{Query: query, Nodes: candidates}, orchestration.OriginFallback)
			return render(cmd.OutOrStdout(), formatOr(g.format, formatYAML), view, view.text)
		},
	}
}

func newValidateCmd(g *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate -f <plan.yaml>",
		Short: "Validate a plan document",
		Long: `Validate builds the plan graph from a YAML or JSON plan document and
prints its layers, or the reason the plan is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := orchestration.LoadPlanDocument(file)
			if err != nil {
				return err
			}
			plan, err := orchestration.NewPlanBuilder().Build(doc.Nodes)
			if err != nil {
				return err
			}
			view := newPlanView(plan, doc, orchestration.OriginSupplied)
			return render(cmd.OutOrStdout(), formatOr(g.format, formatText), view, view.text)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan document (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
