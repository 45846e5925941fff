package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/policy"
	"github.com/openfroyo/podform/pkg/states"
	"github.com/openfroyo/podform/pkg/stores"
)

// applyOptions are the flags of apply.
type applyOptions struct {
	units        []string
	test         bool
	concurrency  int
	retries      int
	stateTimeout time.Duration
	policyMode   string
	noHistory    bool
}

func newApplyCommand(opts *globalOptions) *cobra.Command {
	ao := &applyOptions{}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the formula to the host",
		Long: `Render the formula for the managed host and apply the states.

This command:
  - Collects grains and resolves the topic's mapdata
  - Renders the requested units (all but clean by default)
  - Checks the states against the policies
  - Applies the states level by level in requisite order
  - Records the run, its snapshots and events in the run history`,
		Example: `  # Apply everything
  podform apply

  # Show what would change
  podform apply --test

  # Only the containers, on a remote host
  podform apply -u containers -H admin@web01

  # Remove podman and everything it manages
  podform apply -u clean`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				run, err := a.apply(ctx, ao)
				if run != nil {
					if perr := a.printRun(run); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if run.Status != engine.RunStatusSucceeded {
					return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.Summary)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&ao.units, "unit", "u", nil, "units to apply (package, config, service, users, secrets, containers, compose, clean)")
	cmd.Flags().BoolVar(&ao.test, "test", false, "report changes without making them")
	cmd.Flags().IntVar(&ao.concurrency, "concurrency", 0, "max states applied at once (default from config)")
	cmd.Flags().IntVar(&ao.retries, "retries", 2, "retries of a state after a transient error")
	cmd.Flags().DurationVar(&ao.stateTimeout, "state-timeout", 0, "timeout of a single state, 0 for none")
	cmd.Flags().StringVar(&ao.policyMode, "policy-mode", "", "override the policy mode (advisory, enforcing)")
	cmd.Flags().BoolVar(&ao.noHistory, "no-history", false, "do not record the run")

	return cmd
}

// apply renders, checks and applies the formula. The returned run is nil
// when nothing was applied.
func (a *app) apply(ctx context.Context, ao *applyOptions) (*engine.Run, error) {
	units, err := parseUnits(ao.units)
	if err != nil {
		return nil, err
	}
	mode := policy.Mode(a.rt.Policy.Mode)
	if ao.policyMode != "" {
		mode = policy.Mode(ao.policyMode)
	}
	if mode != policy.ModeAdvisory && mode != policy.ModeEnforcing {
		return nil, fmt.Errorf("invalid policy mode %q", mode)
	}

	runID := uuid.New().String()
	h := &runHistory{
		id:     runID,
		host:   hostID(nil, a.rt),
		topic:  a.rt.Topic,
		test:   ao.test,
		logger: a.tel.Logger.WithRunID(runID).Zerolog(),
	}
	if !ao.noHistory {
		if h.recorder, err = a.runRecorder(ctx); err != nil {
			return nil, err
		}
	}

	tp, err := a.hostTransport(ctx)
	if err != nil {
		return nil, h.fail(ctx, err)
	}
	grains, err := a.hostGrains(ctx)
	if err != nil {
		return nil, h.fail(ctx, err)
	}
	h.host, h.grains = hostID(grains, a.rt), grains
	f, err := a.newFormula(ctx, grains)
	if err != nil {
		return nil, h.fail(ctx, err)
	}
	sts, res, err := f.Render(ctx, units...)
	if err != nil {
		return nil, h.fail(ctx, err)
	}
	h.mapdata = res.Values

	host := h.host
	logger := a.tel.Logger.WithRunID(runID).WithField("host", host).Zerolog()
	h.logger = logger
	if err := h.begin(ctx); err != nil {
		return nil, err
	}

	eng, err := a.policyEngine(ctx)
	if err != nil {
		h.finish(ctx, nil, err)
		return nil, err
	}
	if _, err := eng.Enforce(ctx, &policy.PolicyInput{
		Topic:   f.Topic(),
		Host:    host,
		Grains:  grains,
		Mapdata: res.Values,
		States:  sts,
		Context: policy.PolicyContext{Operation: "apply", Test: ao.test},
	}, mode, runID); err != nil {
		h.finish(ctx, nil, err)
		return nil, err
	}

	concurrency := a.rt.Concurrency
	if ao.concurrency > 0 {
		concurrency = ao.concurrency
	}

	logger.Info().Str("topic", f.Topic()).Int("states", len(sts)).Bool("test", ao.test).Msg("applying formula")
	runner := engine.NewRunner(states.NewRegistry(), engine.Env{
		Transport: tp,
		Files:     f.Files(),
		Grains:    grains,
		Test:      ao.test,
		Logger:    a.logger,
	}, a.tel)
	run, err := runner.Run(ctx, sts, engine.RunOptions{
		RunID:        runID,
		Topic:        f.Topic(),
		Test:         ao.test,
		Concurrency:  concurrency,
		MaxRetries:   ao.retries,
		StateTimeout: ao.stateTimeout,
	})
	h.finish(ctx, run, err)
	return run, err
}

// runHistory records one apply. Failures before the runner starts are
// recorded as failed runs with the snapshots gathered so far.
type runHistory struct {
	recorder *stores.Recorder
	id       string
	host     string
	topic    string
	test     bool
	grains   map[string]any
	mapdata  map[string]any
	began    bool
	logger   zerolog.Logger
}

func (h *runHistory) begin(ctx context.Context) error {
	if h.recorder == nil || h.began {
		return nil
	}
	h.began = true
	return h.recorder.Begin(ctx, stores.RunInfo{
		ID:      h.id,
		Host:    h.host,
		Topic:   h.topic,
		Test:    h.test,
		Grains:  h.grains,
		Mapdata: h.mapdata,
	})
}

func (h *runHistory) finish(ctx context.Context, run *engine.Run, runErr error) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.Finish(ctx, h.id, run, runErr); err != nil {
		h.logger.Warn().Err(err).Msg("failed to record run")
	}
}

// fail records a run that could not execute and returns runErr.
func (h *runHistory) fail(ctx context.Context, runErr error) error {
	if h.recorder == nil {
		return runErr
	}
	if err := h.begin(context.WithoutCancel(ctx)); err != nil {
		h.logger.Warn().Err(err).Msg("failed to record run")
		return runErr
	}
	h.finish(ctx, nil, runErr)
	return runErr
}

// printRun writes the results of a run, or the run as a document with --json.
func (a *app) printRun(run *engine.Run) error {
	if a.opts.jsonOutput {
		return a.print(run)
	}
	for _, res := range run.Results {
		if err := writeResult(a.out, res); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(a.out, "\nSummary for %s\n------------\n%s\nTotal run time: %s\n",
		run.ID, run.Summary, run.Duration.Round(time.Millisecond))
	return err
}

func writeResult(w io.Writer, res *engine.Result) error {
	result := "None"
	if res.Result != nil {
		result = "True"
		if !*res.Result {
			result = "False"
		}
	}

	var b strings.Builder
	b.WriteString("----------\n")
	fmt.Fprintf(&b, "%12s: %s\n", "ID", res.ID)
	fmt.Fprintf(&b, "%12s: %s\n", "Function", res.Function)
	fmt.Fprintf(&b, "%12s: %s\n", "Name", res.Name)
	fmt.Fprintf(&b, "%12s: %s\n", "Result", result)
	fmt.Fprintf(&b, "%12s: %s\n", "Comment", res.Comment)
	if !res.StartedAt.IsZero() {
		fmt.Fprintf(&b, "%12s: %s\n", "Started", res.StartedAt.Format("15:04:05.000"))
	}
	fmt.Fprintf(&b, "%12s: %s\n", "Duration", res.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "%12s:", "Changes")
	if len(res.Changes) == 0 {
		b.WriteString("\n")
	} else {
		out, err := yaml.Marshal(res.Changes)
		if err != nil {
			return err
		}
		b.WriteString("\n")
		for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
			fmt.Fprintf(&b, "%14s%s\n", "", line)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

