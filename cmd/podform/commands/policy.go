package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// policySummary is one row of policy list.
type policySummary struct {
	Name        string `json:"name"`
	Severity    string `json:"severity"`
	Enabled     bool   `json:"enabled"`
	Source      string `json:"source,omitempty"`
	Description string `json:"description,omitempty"`
}

func newPolicyCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the policies states are checked against",
		Long: `Inspect the built-in policies and those loaded from policy.paths.

Policies are Rego modules with a deny set, evaluated against the rendered
states, grains and mapdata before every apply.`,
	}

	cmd.AddCommand(newPolicyListCommand(opts))
	cmd.AddCommand(newPolicyShowCommand(opts))

	return cmd
}

func newPolicyListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				eng, err := a.policyEngine(ctx)
				if err != nil {
					return err
				}
				policies := eng.ListPolicies()
				rows := make([]policySummary, 0, len(policies))
				for _, p := range policies {
					rows = append(rows, policySummary{
						Name:        p.Name,
						Severity:    string(p.Severity),
						Enabled:     p.Enabled,
						Source:      p.Source,
						Description: p.Description,
					})
				}
				return a.print(rows)
			})
		},
	}
}

func newPolicyShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print the Rego source of a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				eng, err := a.policyEngine(ctx)
				if err != nil {
					return err
				}
				p, err := eng.GetPolicy(args[0])
				if err != nil {
					return err
				}
				if a.opts.jsonOutput {
					return a.print(p)
				}
				_, err = fmt.Fprint(a.out, p.Rego)
				return err
			})
		},
	}
}
