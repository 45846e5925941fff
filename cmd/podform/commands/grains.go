package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/podform/pkg/mapstack"
)

func newGrainsCommand(opts *globalOptions) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "grains",
		Short: "Show the grains of the managed host",
		Long: `Collect the grains parameter files are selected by: id, os, os_family,
osfinger, osarch, osrelease, osmajorrelease, oscodename and kernel.

Values from --grains-file and --grain replace collected ones.`,
		Example: `  # Grains of this host
  podform grains

  # Grains of a remote host
  podform grains --host admin@web01

  # One grain, colon separated for nested values
  podform grains --key os_family`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				grains, err := a.hostGrains(ctx)
				if err != nil {
					return err
				}
				if key == "" {
					return a.print(grains)
				}
				value, ok := mapstack.GetPath(grains, key, ":")
				if !ok {
					return a.print(nil)
				}
				return a.print(value)
			})
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "print a single grain")

	return cmd
}
