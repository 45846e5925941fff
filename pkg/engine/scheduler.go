package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/podform/pkg/telemetry"
)

const (
	commentRequisiteFailed = "One or more requisite failed"
	commentOnChangesSkip   = "State was not run because none of the onchanges reqs changed"
	commentCancelled       = "Run was cancelled before this state ran"
)

// RunOptions controls a run.
type RunOptions struct {
	// RunID identifies the run; one is generated when empty.
	RunID string

	Topic string

	// Test reports what would change without changing anything.
	Test bool

	// Concurrency bounds the states applied at once within a level.
	Concurrency int

	// MaxRetries is how often a state is retried after a transient error.
	MaxRetries int

	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration

	// StateTimeout bounds a single state function call; zero means no limit.
	StateTimeout time.Duration
}

func (o RunOptions) withDefaults() RunOptions {
	if o.RunID == "" {
		o.RunID = uuid.New().String()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	return o
}

// Runner applies states level by level, running the states of a level in
// parallel.
type Runner struct {
	registry  *Registry
	env       Env
	telemetry *telemetry.Telemetry
}

// NewRunner creates a runner. env is the template every state function
// receives; tel may be nil.
func NewRunner(registry *Registry, env Env, tel *telemetry.Telemetry) *Runner {
	return &Runner{registry: registry, env: env, telemetry: tel}
}

// execution holds the results of one run while it is in progress.
type execution struct {
	opts   RunOptions
	graph  *Graph
	logger zerolog.Logger

	mu      sync.RWMutex
	results map[string]*Result
}

func (e *execution) result(id string) *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.results[id]
}

func (e *execution) store(res *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[res.ID] = res
}

// Run applies states. It returns an error only when the states cannot be
// run at all: unknown functions, missing requisites or cycles. Failing
// states are reported in the returned Run.
func (r *Runner) Run(ctx context.Context, states []State, opts RunOptions) (*Run, error) {
	opts = opts.withDefaults()

	graph, err := BuildGraph(states)
	if err != nil {
		return nil, err
	}
	if err := r.registry.Check(states); err != nil {
		return nil, err
	}

	run := &Run{
		ID:        opts.RunID,
		Topic:     opts.Topic,
		Test:      opts.Test,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	ex := &execution{
		opts:    opts,
		graph:   graph,
		logger:  r.env.Logger.With().Str("run_id", run.ID).Logger(),
		results: make(map[string]*Result, graph.Len()),
	}

	ctx, span := r.startRunSpan(ctx, run.ID, opts.Topic, opts.Test)
	defer span.End()

	ex.logger.Info().Int("states", graph.Len()).Int("levels", len(graph.Levels)).Bool("test", opts.Test).Msg("run started")
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		RunID:   run.ID,
		Message: fmt.Sprintf("Applying %d states", graph.Len()),
		Data:    map[string]interface{}{"topic": opts.Topic, "test": opts.Test},
	})

	for level, ids := range graph.Levels {
		if ctx.Err() != nil {
			break
		}
		ex.logger.Debug().Int("level", level).Strs("states", ids).Msg("applying level")
		r.runLevel(ctx, ex, ids)
	}

	cancelled := ctx.Err() != nil
	for _, id := range graph.Order() {
		res := ex.result(id)
		if res == nil {
			st, _ := graph.State(id)
			res = NewResult(st)
			res.Result = Bool(false)
			res.Comment = commentCancelled
			ex.store(res)
		}
		run.Results = append(run.Results, res)
	}

	run.CompletedAt = time.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)
	run.Summary = summarize(run.Results)
	switch {
	case cancelled:
		run.Status = RunStatusCancelled
	case run.Summary.Failed > 0:
		run.Status = RunStatusFailed
	default:
		run.Status = RunStatusSucceeded
	}

	if run.Status == RunStatusSucceeded {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("run %s: %s", run.Status, run.Summary))
	}
	r.metrics().RecordRunCompleted(string(run.Status), opts.Test, run.Duration)

	level := telemetry.EventLevelInfo
	if run.Status != RunStatusSucceeded {
		level = telemetry.EventLevelError
	}
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunCompleted,
		RunID:   run.ID,
		Level:   level,
		Message: run.Summary.String(),
		Data:    map[string]interface{}{"status": string(run.Status)},
	})

	ex.logger.Info().
		Str("status", string(run.Status)).
		Int("changed", run.Summary.Changed).
		Int("failed", run.Summary.Failed).
		Int("pending", run.Summary.Pending).
		Dur("duration", run.Duration).
		Msg("run completed")

	return run, nil
}

// runLevel applies the states of one level with bounded parallelism.
func (r *Runner) runLevel(ctx context.Context, ex *execution, ids []string) {
	var g errgroup.Group
	g.SetLimit(ex.opts.Concurrency)

	for _, id := range ids {
		st, _ := ex.graph.State(id)
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ex.store(r.applyState(ctx, ex, st))
			return nil
		})
	}
	_ = g.Wait()
}

// applyState evaluates requisites and runs the state function, then
// mod_watch when a watched state changed.
func (r *Runner) applyState(ctx context.Context, ex *execution, st State) *Result {
	start := time.Now()
	logger := ex.logger.With().Str("state_id", st.ID).Str("function", st.Function).Logger()

	res := r.checkRequisites(ex, st)
	if res == nil {
		res = r.execute(ctx, ex, st, logger)
	}

	res.StartedAt = start
	res.Duration = time.Since(start)

	outcome := res.Outcome()
	r.metrics().RecordState(st.Function, string(outcome), res.Duration)

	level := telemetry.EventLevelInfo
	if outcome == OutcomeFailed {
		level = telemetry.EventLevelError
	}
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeStateCompleted,
		RunID:   ex.opts.RunID,
		StateID: st.ID,
		Level:   level,
		Message: res.Comment,
		Data:    map[string]interface{}{"function": st.Function, "outcome": string(outcome)},
	})

	event := logger.Info()
	if outcome == OutcomeFailed {
		event = logger.Warn()
	}
	event.Str("outcome", string(outcome)).Dur("duration", res.Duration).Msg(res.Comment)

	return res
}

// checkRequisites returns a result when the state must not run, or nil.
func (r *Runner) checkRequisites(ex *execution, st State) *Result {
	var failed []string
	for _, id := range st.Requisites() {
		if dep := ex.result(id); dep == nil || dep.Failed() {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		res := NewResult(st)
		res.Result = Bool(false)
		res.Comment = fmt.Sprintf("%s: %s", commentRequisiteFailed, strings.Join(failed, ", "))
		return res
	}

	if len(st.OnChanges) > 0 && !ex.anyChanged(st.OnChanges) {
		res := NewResult(st)
		res.Comment = commentOnChangesSkip
		return res
	}
	return nil
}

func (e *execution) anyChanged(ids []string) bool {
	for _, id := range ids {
		if res := e.result(id); res != nil && res.Changed() {
			return true
		}
	}
	return false
}

func (r *Runner) execute(ctx context.Context, ex *execution, st State, logger zerolog.Logger) *Result {
	fn, _ := r.registry.Lookup(st.Function)

	env := r.env
	env.Test = ex.opts.Test
	env.Logger = logger

	ctx, span := r.startStateSpan(ctx, st.ID, st.Function)
	defer span.End()

	res, attempts, err := r.call(ctx, ex.opts, fn.Apply, &env, st, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		res = r.failure(st, err)
	}
	res.Attempts = attempts

	if !res.Failed() && fn.ModWatch != nil && len(st.Watch) > 0 && ex.anyChanged(st.Watch) {
		logger.Debug().Msg("watched state changed, running mod_watch")
		mw, _, err := r.call(ctx, ex.opts, fn.ModWatch, &env, st, logger)
		if err != nil {
			telemetry.RecordError(span, err)
			res.Result = Bool(false)
			res.AddComment("%s", err.Error())
		} else {
			for k, v := range mw.Changes {
				res.Changes[k] = v
			}
			res.AddComment("%s", mw.Comment)
			switch {
			case mw.Result == nil:
				res.Result = nil
			case !*mw.Result:
				res.Result = Bool(false)
			}
		}
	}

	span.SetAttributes(telemetry.AttrStateResult.String(string(res.Outcome())))
	if !res.Failed() {
		telemetry.RecordSuccess(span)
	}
	return res
}

// call runs fn, retrying transient errors with exponential backoff.
func (r *Runner) call(ctx context.Context, opts RunOptions, fn Func, env *Env, st State, logger zerolog.Logger) (*Result, int, error) {
	backoff := opts.RetryBackoff

	for attempt := 1; ; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if opts.StateTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, opts.StateTimeout)
		}
		res, err := fn(callCtx, env, st)
		cancel()

		if err == nil {
			if res == nil {
				return nil, attempt, NewPermanentError("state function returned no result", nil).
					WithCode(ErrCodeInternal).WithState(st.ID, st.Function)
			}
			normalize(res, st)
			return res, attempt, nil
		}

		if !IsTransient(err) || attempt > opts.MaxRetries {
			return nil, attempt, err
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying state after transient error")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, attempt, errors.Join(err, ctx.Err())
		}
		backoff *= 2
	}
}

func (r *Runner) failure(st State, err error) *Result {
	classified := Classify(err)
	r.metrics().RecordError(string(classified.Class), classified.Code)

	res := NewResult(st)
	res.Result = Bool(false)
	res.Comment = err.Error()
	return res
}

func normalize(res *Result, st State) {
	if res.ID == "" {
		res.ID = st.ID
	}
	if res.Function == "" {
		res.Function = st.Function
	}
	if res.Name == "" {
		res.Name = st.Target()
	}
	if res.Changes == nil {
		res.Changes = map[string]any{}
	}
}

func (r *Runner) metrics() *telemetry.Metrics {
	if r.telemetry == nil {
		return nil
	}
	return r.telemetry.Metrics
}

func (r *Runner) publish(event telemetry.Event) {
	if r.telemetry == nil {
		return
	}
	if err := r.telemetry.Events.Publish(event); err != nil {
		r.env.Logger.Debug().Err(err).Str("type", event.Type).Msg("event dropped")
	}
}

func (r *Runner) startRunSpan(ctx context.Context, runID, topic string, test bool) (context.Context, trace.Span) {
	if r.telemetry == nil || r.telemetry.Tracer == nil {
		return otel.Tracer("podform/engine").Start(ctx, "run.execute")
	}
	return r.telemetry.Tracer.StartRunSpan(ctx, runID, topic, test)
}

func (r *Runner) startStateSpan(ctx context.Context, stateID, function string) (context.Context, trace.Span) {
	if r.telemetry == nil || r.telemetry.Tracer == nil {
		return otel.Tracer("podform/engine").Start(ctx, "state."+function)
	}
	return r.telemetry.Tracer.StartStateSpan(ctx, stateID, function)
}
