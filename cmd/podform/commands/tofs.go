package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/openfroyo/podform/pkg/tofs"
)

func newTofsCommand(opts *globalOptions) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "tofs <file>...",
		Short: "Show where a managed file is sourced from",
		Long: `List the template override candidates of a file in lookup order and
the first one present in the formula tree.

Candidates are built from the tofs settings of the mapdata: the
files_switch grains first, then the default directory.`,
		Example: `  # Where does policy.json come from on this host
  podform tofs policy.json --key policy_json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				grains, err := a.hostGrains(ctx)
				if err != nil {
					return err
				}
				f, err := a.newFormula(ctx, grains)
				if err != nil {
					return err
				}

				candidates, src, err := f.FileSources(ctx, key, args...)
				if err != nil && !errors.Is(err, tofs.ErrNoSource) {
					return err
				}
				out := map[string]any{"candidates": candidates, "source": src}
				if perr := a.print(out); perr != nil {
					return perr
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "lookup key whose source_files override applies")

	return cmd
}
