package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/formula"
)

// parseUnits converts --unit values; none means the default units.
func parseUnits(names []string) ([]formula.Unit, error) {
	units := make([]formula.Unit, 0, len(names))
	for _, name := range names {
		u, err := formula.ParseUnit(name)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

func newRenderCommand(opts *globalOptions) *cobra.Command {
	var (
		units []string
		dot   bool
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the states of the topic",
		Long: `Resolve mapdata and render the state declarations without applying them.

Units are package, config, service, users, secrets and containers, which
are rendered by default, and clean, which removes everything again.`,
		Example: `  # All default units
  podform render

  # Only the containers
  podform render --unit containers

  # Requisite graph in Graphviz format
  podform render --dot | dot -Tsvg > states.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := parseUnits(units)
			if err != nil {
				return err
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				grains, err := a.hostGrains(ctx)
				if err != nil {
					return err
				}
				f, err := a.newFormula(ctx, grains)
				if err != nil {
					return err
				}
				sts, _, err := f.Render(ctx, selected...)
				if err != nil {
					return err
				}

				if dot {
					graph, err := engine.BuildGraph(sts)
					if err != nil {
						return err
					}
					_, err = fmt.Fprint(a.out, graph.ToDOT())
					return err
				}
				return a.print(sts)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&units, "unit", "u", nil, "unit to render, repeatable")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the requisite graph in DOT format")

	return cmd
}
