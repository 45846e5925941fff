package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command. Set
// flags override the runtime configuration file.
type globalOptions struct {
	configPath  string
	logLevel    string
	logFormat   string
	jsonOutput  bool
	formulaRoot string
	topic       string
	pillarFiles []string
	grainsFile  string
	grains      []string
	offline     bool
	host        string
	statePath   string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "podform",
		Short: "podform - podman formula",
		Long: `podform installs, configures and runs podman and its containers on a
host from layered parameters.

Parameters are merged from the formula defaults, OS specific files,
configuration options and pillar data into one mapdata document, from
which package, config, service, user, secret and container states are
rendered and applied in requisite order.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "runtime config file (default podform.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format (console, json)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&opts.formulaRoot, "formula-root", "", "formula tree directory (default: built-in formula)")
	flags.StringVarP(&opts.topic, "topic", "t", "", "formula topic")
	flags.StringSliceVarP(&opts.pillarFiles, "pillar", "p", nil, "pillar file, repeatable; later files win")
	flags.StringVar(&opts.grainsFile, "grains-file", "", "static grains overriding collected ones")
	flags.StringArrayVarP(&opts.grains, "grain", "g", nil, "grain override as key=value, repeatable")
	flags.BoolVar(&opts.offline, "offline", false, "do not collect grains from the host; use static grains only")
	flags.StringVarP(&opts.host, "host", "H", "", "manage this host over ssh ([user@]host[:port])")
	flags.StringVar(&opts.statePath, "state-db", "", "run history database")

	rootCmd.AddCommand(newMapdataCommand(opts))
	rootCmd.AddCommand(newGrainsCommand(opts))
	rootCmd.AddCommand(newRenderCommand(opts))
	rootCmd.AddCommand(newApplyCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newTofsCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))

	return rootCmd
}
