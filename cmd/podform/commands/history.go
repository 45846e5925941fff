package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/podform/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long: `Inspect the run history: every apply records its status, state results,
the grains and mapdata it was rendered from and its events.`,
	}

	cmd.AddCommand(newHistoryListCommand(opts))
	cmd.AddCommand(newHistoryShowCommand(opts))
	cmd.AddCommand(newHistoryEventsCommand(opts))
	cmd.AddCommand(newHistoryDeleteCommand(opts))

	return cmd
}

func newHistoryListCommand(opts *globalOptions) *cobra.Command {
	var (
		host   string
		topic  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				runs, err := store.ListRuns(ctx, host, topic, limit, offset)
				if err != nil {
					return err
				}
				return a.print(runs)
			})
		},
	}

	cmd.Flags().StringVar(&host, "for-host", "", "only runs of this host")
	cmd.Flags().StringVar(&topic, "for-topic", "", "only runs of this topic")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

// runDetail is what history show prints.
type runDetail struct {
	Run     *stores.Run           `json:"run" yaml:"run"`
	Results []*stores.StateResult `json:"results" yaml:"results"`
	Mapdata map[string]any        `json:"mapdata,omitempty" yaml:"mapdata,omitempty"`
	Grains  map[string]any        `json:"grains,omitempty" yaml:"grains,omitempty"`
}

func newHistoryShowCommand(opts *globalOptions) *cobra.Command {
	var snapshots bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its state results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := store.ListStateResults(ctx, run.ID)
				if err != nil {
					return err
				}

				detail := runDetail{Run: run, Results: results}
				if snapshots {
					if detail.Grains, err = snapshotData(ctx, store, run.ID, stores.SnapshotGrains); err != nil {
						return err
					}
					if detail.Mapdata, err = snapshotData(ctx, store, run.ID, stores.SnapshotMapdata); err != nil {
						return err
					}
				}
				return a.print(detail)
			})
		},
	}

	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "include the grains and mapdata the run was rendered from")

	return cmd
}

func snapshotData(ctx context.Context, store *stores.SQLiteStore, runID string, kind stores.SnapshotKind) (map[string]any, error) {
	snap, err := store.GetSnapshot(ctx, runID, kind)
	if errors.Is(err, stores.ErrNotFound) {
		// Runs that failed before rendering have no mapdata.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(snap.Data), &data); err != nil {
		return nil, fmt.Errorf("failed to decode %s snapshot: %w", kind, err)
	}
	return data, nil
}

func newHistoryEventsCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "Show recorded events, of one run or of all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				var runID *string
				if len(args) == 1 {
					runID = &args[0]
				}
				events, err := store.GetEvents(ctx, runID, limit, 0)
				if err != nil {
					return err
				}
				return a.print(events)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "max events")

	return cmd
}

func newHistoryDeleteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run with its results and snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				if err := store.DeleteRun(ctx, args[0]); err != nil {
					return err
				}
				a.logger.Info().Str("run_id", args[0]).Msg("run deleted")
				return nil
			})
		},
	}
}
