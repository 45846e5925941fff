package commands

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/podform/pkg/formula"
	"github.com/openfroyo/podform/pkg/mapstack"
	"github.com/openfroyo/podform/pkg/policy"
	"github.com/openfroyo/podform/pkg/telemetry"
)

// mapdataRefresher re-resolves the topic after the formula tree changed.
type mapdataRefresher struct {
	a      *app
	f      *formula.Formula
	eng    *policy.Engine
	grains map[string]any
	// apply, when set, re-applies the formula after each change.
	apply *applyOptions
}

// Invalidate implements mapstack.Invalidator.
func (r *mapdataRefresher) Invalidate(ctx context.Context) error {
	if err := r.f.Resolver().Invalidate(ctx); err != nil {
		return err
	}
	if err := r.a.tel.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeMapdataInvalidated,
		Message: "formula files changed",
		Data:    map[string]interface{}{"topic": r.f.Topic()},
	}); err != nil {
		r.a.logger.Warn().Err(err).Msg("failed to publish invalidation")
	}
	r.refresh(ctx)
	return nil
}

// refresh renders the topic again and reports what changed. Errors are
// logged so that a broken edit does not stop the watch.
func (r *mapdataRefresher) refresh(ctx context.Context) {
	logger := telemetry.FromContext(ctx).WithTopic(r.f.Topic()).Zerolog()

	sts, res, err := r.f.Render(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("formula does not render")
		return
	}
	logger.Info().Str("key", res.Key).Int("states", len(sts)).Msg("mapdata refreshed")

	result, err := r.eng.Enforce(ctx, &policy.PolicyInput{
		Topic:   r.f.Topic(),
		Host:    hostID(r.grains, r.a.rt),
		Grains:  r.grains,
		Mapdata: res.Values,
		States:  sts,
		Context: policy.PolicyContext{Operation: "watch"},
	}, policy.ModeAdvisory, "")
	if err != nil {
		logger.Error().Err(err).Msg("policy evaluation failed")
		return
	}
	if !result.Allowed {
		logger.Warn().Int("violations", len(result.Violations)).Msg("rendered states violate policies")
	}

	if r.apply == nil {
		return
	}
	run, err := r.a.apply(ctx, r.apply)
	if err != nil {
		logger.Error().Err(err).Msg("apply failed")
		return
	}
	logger.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Msg(run.Summary.String())
}

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var (
		debounce time.Duration
		apply    bool
		test     bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-resolve mapdata when the formula tree changes",
		Long: `Watch the formula tree given by --formula-root. On every change the
mapdata cache is invalidated, the topic is rendered again and checked
against the policies. Policy files are reloaded when they change.

With --apply the formula is applied after each change. Metrics are
served while watching when telemetry.metrics.listen_address is set.`,
		Example: `  # Check edits while working on a formula
  podform watch --formula-root ./formulas --offline -g os_family=Debian

  # Keep a host in sync with the tree
  podform watch --formula-root /srv/formulas --apply`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.rt.FormulaRoot == "" {
					return errors.New("watch needs --formula-root; the built-in formula does not change")
				}
				root, err := filepath.Abs(a.rt.FormulaRoot)
				if err != nil {
					return err
				}

				grains, err := a.hostGrains(ctx)
				if err != nil {
					return err
				}
				f, err := a.newFormula(ctx, grains)
				if err != nil {
					return err
				}
				eng, err := a.policyEngine(ctx)
				if err != nil {
					return err
				}

				refresher := &mapdataRefresher{a: a, f: f, eng: eng, grains: grains}
				if apply {
					refresher.apply = &applyOptions{test: test, retries: 2}
				}
				refresher.refresh(ctx)

				var loader *policy.Loader
				if len(a.rt.Policy.Paths) > 0 {
					if loader, err = eng.Watch(ctx, a.rt.Policy.Paths); err != nil {
						return err
					}
				}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return mapstack.NewWatcher(root, refresher, debounce, a.logger).Run(gctx, nil)
				})
				g.Go(func() error {
					return a.tel.Metrics.Serve(gctx, a.logger)
				})
				if loader != nil {
					g.Go(func() error {
						<-gctx.Done()
						return loader.StopWatching()
					})
				}

				a.logger.Info().Str("root", root).Str("topic", f.Topic()).Msg("watching formula tree")
				err = g.Wait()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 300*time.Millisecond, "wait this long after the last change")
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the formula after each change")
	cmd.Flags().BoolVar(&test, "test", false, "with --apply, only report changes")

	return cmd
}
