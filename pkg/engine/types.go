package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// State is one state declaration: an ID, the state function that enforces
// it and the function's arguments.
type State struct {
	// ID is unique within a run and is what requisites refer to.
	ID string `json:"id" yaml:"id"`

	// Function is the "<module>.<function>" name, e.g. "pkg.installed".
	Function string `json:"function" yaml:"function"`

	// Name is the object the state manages. It defaults to ID.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	// Require lists states that must succeed before this one runs.
	Require []string `json:"require,omitempty" yaml:"require,omitempty"`

	// Watch behaves like Require, and additionally triggers mod_watch
	// when a watched state reported changes.
	Watch []string `json:"watch,omitempty" yaml:"watch,omitempty"`

	// OnChanges runs this state only when one of the listed states
	// reported changes.
	OnChanges []string `json:"onchanges,omitempty" yaml:"onchanges,omitempty"`
}

// Target returns the managed object's name.
func (s State) Target() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Module returns the part of Function before the dot.
func (s State) Module() string {
	mod, _, _ := strings.Cut(s.Function, ".")
	return mod
}

// Requisites returns every state this one depends on, without duplicates.
func (s State) Requisites() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{s.Require, s.Watch, s.OnChanges} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Result is the outcome of applying one state.
type Result struct {
	ID       string `json:"id"`
	Function string `json:"function"`
	Name     string `json:"name"`

	// Result is true on success, false on failure and nil in test mode
	// when the state would have made changes.
	Result *bool `json:"result"`

	Comment string         `json:"comment"`
	Changes map[string]any `json:"changes"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Attempts counts executions including retries.
	Attempts int `json:"attempts,omitempty"`
}

// Outcome summarizes a result for metrics and reporting.
func (r *Result) Outcome() Outcome {
	switch {
	case r.Result == nil:
		return OutcomePending
	case !*r.Result:
		return OutcomeFailed
	case len(r.Changes) > 0:
		return OutcomeChanged
	default:
		return OutcomeUnchanged
	}
}

// Failed reports whether the state failed.
func (r *Result) Failed() bool {
	return r.Result != nil && !*r.Result
}

// Changed reports whether the state made, or in test mode would make, changes.
func (r *Result) Changed() bool {
	return len(r.Changes) > 0
}

// AddComment appends a sentence to the comment.
func (r *Result) AddComment(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.Comment == "" {
		r.Comment = msg
		return
	}
	r.Comment += " " + msg
}

// NewResult returns a successful, unchanged result for st.
func NewResult(st State) *Result {
	return &Result{
		ID:       st.ID,
		Function: st.Function,
		Name:     st.Target(),
		Result:   Bool(true),
		Changes:  map[string]any{},
	}
}

// Bool returns a pointer to b, for Result.Result.
func Bool(b bool) *bool {
	return &b
}

// Run is one execution of a list of states.
type Run struct {
	ID     string    `json:"id"`
	Topic  string    `json:"topic,omitempty"`
	Test   bool      `json:"test"`
	Status RunStatus `json:"status"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	// Results are in execution order.
	Results []*Result  `json:"results"`
	Summary RunSummary `json:"summary"`
}

// Result returns the result of a state by ID.
func (r *Run) Result(id string) (*Result, bool) {
	for _, res := range r.Results {
		if res.ID == id {
			return res, true
		}
	}
	return nil, false
}

// RunSummary counts results by outcome.
type RunSummary struct {
	Total     int `json:"total"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

func summarize(results []*Result) RunSummary {
	s := RunSummary{Total: len(results)}
	for _, res := range results {
		switch res.Outcome() {
		case OutcomeChanged:
			s.Changed++
		case OutcomeUnchanged:
			s.Unchanged++
		case OutcomeFailed:
			s.Failed++
		case OutcomePending:
			s.Pending++
		}
	}
	return s
}

// String renders the summary line printed after a run.
func (s RunSummary) String() string {
	return fmt.Sprintf("Succeeded: %d (changed=%d)  Failed: %d  Pending: %d  Total: %d",
		s.Changed+s.Unchanged, s.Changed, s.Failed, s.Pending, s.Total)
}

// SortedChangeKeys returns the keys of a changes map in order, for stable output.
func SortedChangeKeys(changes map[string]any) []string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
