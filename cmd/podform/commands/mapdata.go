package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

func newMapdataCommand(opts *globalOptions) *cobra.Command {
	var (
		showStack bool
		query     string
		sources   bool
	)

	cmd := &cobra.Command{
		Use:   "mapdata",
		Short: "Show the resolved parameters of the topic",
		Long: `Resolve the layered parameters of the topic for the managed host and
print the merged mapdata.

The merge runs through the sources listed in the topic's
parameters/map_jinja.yaml (defaults, os_family, os, osfinger, the
config lookup and the post-map hook), later sources winning.`,
		Example: `  # Mapdata for this host
  podform mapdata

  # Mapdata for another OS without touching any host
  podform mapdata --offline -g id=web01 -g os_family=RedHat -g os=Fedora

  # Show which layers were merged
  podform mapdata --show-stack

  # Extract one value (gjson path syntax)
  podform mapdata --query 'config.registries.unqualified-search-registries'`,
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

				if sources {
					list, err := f.Resolver().Sources(f.Topic())
					if err != nil {
						return err
					}
					return a.print(list)
				}

				res, err := f.Mapdata(ctx)
				if err != nil {
					return err
				}

				if query != "" {
					raw, err := json.Marshal(res.Values)
					if err != nil {
						return err
					}
					value := gjson.GetBytes(raw, query)
					if !value.Exists() {
						return fmt.Errorf("%s: no value at %q", f.Topic(), query)
					}
					return a.print(value.Value())
				}

				if showStack {
					return a.print(map[string]any{
						"key":    res.Key,
						"stack":  res.Stack,
						"values": res.Values,
					})
				}
				return a.print(map[string]any{f.Topic(): res.Values})
			})
		},
	}

	cmd.Flags().BoolVar(&showStack, "show-stack", false, "include the merged layers and the cache key")
	cmd.Flags().StringVarP(&query, "query", "q", "", "print only the value at this gjson path")
	cmd.Flags().BoolVar(&sources, "sources", false, "print the ordered source list instead of resolving")

	return cmd
}
