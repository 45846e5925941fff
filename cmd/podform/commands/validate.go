package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/formula"
	"github.com/openfroyo/podform/pkg/policy"
	"github.com/openfroyo/podform/pkg/states"
)

// validationReport is what validate prints.
type validationReport struct {
	Topic       string                   `json:"topic" yaml:"topic"`
	States      int                      `json:"states" yaml:"states"`
	CleanStates int                      `json:"clean_states" yaml:"clean_states"`
	Levels      int                      `json:"levels" yaml:"levels"`
	Violations  []policy.PolicyViolation `json:"violations,omitempty" yaml:"violations,omitempty"`
	Warnings    []policy.PolicyViolation `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Valid       bool                     `json:"valid" yaml:"valid"`
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate mapdata, states and policies",
		Long: `Validate the topic for the managed host without changing anything.

This command:
  - Resolves mapdata and checks it against the schemas
  - Renders the default and clean units
  - Checks requisites and state functions
  - Evaluates the policies against the rendered states

Combine with --offline and --grain to validate for a host that is not
reachable.`,
		Example: `  # Validate for this host
  podform validate

  # Validate pillar data for a Fedora host
  podform validate --offline -g id=web01 -g os_family=RedHat -g os=Fedora -p pillar.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				report, err := a.validate(ctx)
				if err != nil {
					return err
				}
				if err := a.print(report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("%s: %d policy violation(s)", report.Topic, len(report.Violations))
				}
				return nil
			})
		},
	}

	return cmd
}

func (a *app) validate(ctx context.Context) (*validationReport, error) {
	grains, err := a.hostGrains(ctx)
	if err != nil {
		return nil, err
	}
	f, err := a.newFormula(ctx, grains)
	if err != nil {
		return nil, err
	}

	sts, res, err := f.Render(ctx)
	if err != nil {
		return nil, err
	}
	clean, _, err := f.Render(ctx, formula.UnitClean)
	if err != nil {
		return nil, err
	}

	registry := states.NewRegistry()
	var levels int
	for _, set := range [][]engine.State{sts, clean} {
		graph, err := engine.BuildGraph(set)
		if err != nil {
			return nil, err
		}
		if err := registry.Check(set); err != nil {
			return nil, err
		}
		levels = max(levels, len(graph.Levels))
	}

	eng, err := a.policyEngine(ctx)
	if err != nil {
		return nil, err
	}
	result, err := eng.Evaluate(ctx, &policy.PolicyInput{
		Topic:   f.Topic(),
		Host:    hostID(grains, a.rt),
		Grains:  grains,
		Mapdata: res.Values,
		States:  sts,
		Context: policy.PolicyContext{Operation: "validate"},
	})
	if err != nil {
		return nil, err
	}

	return &validationReport{
		Topic:       f.Topic(),
		States:      len(sts),
		CleanStates: len(clean),
		Levels:      levels,
		Violations:  result.Violations,
		Warnings:    result.Warnings,
		Valid:       result.Allowed,
	}, nil
}
