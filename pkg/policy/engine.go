package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/telemetry"
)

// ErrDenied is returned by Enforce when an enforcing check finds a
// blocking violation.
var ErrDenied = errors.New("denied by policy")

// Engine evaluates Rego policies against rendered states.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	events          *telemetry.EventPublisher
	builtinPolicies []Policy
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine holding the built-in policies.
// Violations found by Enforce are published to events when it is not nil.
func NewEngine(logger zerolog.Logger, events *telemetry.EventPublisher) (*Engine, error) {
	e := &Engine{
		store:           inmem.New(),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		events:          events,
		builtinPolicies: GetBuiltinPolicies(),
	}

	policies, err := e.compileAll(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	e.policies = policies

	return e, nil
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *PolicyInput) (*PolicyResult, error) {
	startTime := time.Now()
	if input.Context.Timestamp.IsZero() {
		input.Context.Timestamp = startTime
	}

	doc, err := toDocument(*input)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{Allowed: true}
	for _, name := range sortedNames(e.policies) {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("topic", input.Topic).
		Int("states", len(input.States)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// Enforce evaluates input, logs and publishes every finding under runID
// and, in enforcing mode, returns ErrDenied when the result is not
// allowed.
func (e *Engine) Enforce(ctx context.Context, input *PolicyInput, mode Mode, runID string) (*PolicyResult, error) {
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	all := append(append([]PolicyViolation{}, result.Violations...), result.Warnings...)
	for _, v := range all {
		e.report(runID, v)
	}

	if mode == ModeEnforcing && !result.Allowed {
		msgs := make([]string, 0, len(result.Violations))
		for _, v := range result.Violations {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
		return result, fmt.Errorf("%w: %s", ErrDenied, strings.Join(msgs, "; "))
	}
	return result, nil
}

func (e *Engine) report(runID string, v PolicyViolation) {
	level := telemetry.EventLevelWarning
	ev := e.logger.Warn()
	if v.Severity.Blocking() {
		level = telemetry.EventLevelError
		ev = e.logger.Error()
	}
	ev.Str("policy", v.Policy).
		Str("state", v.State).
		Str("severity", string(v.Severity)).
		Msg(v.Message)

	if e.events == nil {
		return
	}
	err := e.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypePolicyViolation,
		RunID:   runID,
		StateID: v.State,
		Level:   level,
		Message: v.Message,
		Data: map[string]interface{}{
			"policy":   v.Policy,
			"severity": string(v.Severity),
		},
	})
	if err != nil {
		e.logger.Debug().Err(err).Msg("policy event dropped")
	}
}

// LoadPolicies loads policy files and adds them to the engine. A file
// naming an existing policy replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps the loaded policies for the built-ins plus
// policies. Nothing changes when one of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies = compiled
	e.mu.Unlock()
	return nil
}

// Watch reloads the policies under paths whenever a policy file changes
// until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

// evaluatePolicy evaluates the deny set of a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].State != violations[j].State {
			return violations[i].State < violations[j].State
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation reads a deny entry. Entries are either a message or an
// object with message, severity and state fields.
func createViolation(policy *Policy, result interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		for key, value := range v {
			switch key {
			case "message":
				violation.Message = fmt.Sprint(value)
			case "severity":
				violation.Severity = Severity(fmt.Sprint(value))
			case "state":
				violation.State = fmt.Sprint(value)
			default:
				if violation.Details == nil {
					violation.Details = make(map[string]interface{})
				}
				violation.Details[key] = value
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares the query for its deny rule.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// compileAll compiles the built-in policies followed by extra.
func (e *Engine) compileAll(ctx context.Context, extra []Policy) (map[string]*compiledPolicy, error) {
	all := make([]Policy, 0, len(e.builtinPolicies)+len(extra))
	all = append(all, e.builtinPolicies...)
	all = append(all, extra...)

	compiled := make(map[string]*compiledPolicy, len(all))
	for i := range all {
		cp, err := e.compile(ctx, &all[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", all[i].Name, err)
		}
		compiled[all[i].Name] = cp
	}
	return compiled, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range sortedNames(e.policies) {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

// toDocument converts input to the plain JSON document rego evaluates.
// Missing collections become empty ones so rules never see null.
func toDocument(input PolicyInput) (interface{}, error) {
	if input.Grains == nil {
		input.Grains = map[string]interface{}{}
	}
	if input.Mapdata == nil {
		input.Mapdata = map[string]interface{}{}
	}
	if input.States == nil {
		input.States = []engine.State{}
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func sortedNames(policies map[string]*compiledPolicy) []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
