package policy

import (
	"time"

	"github.com/openfroyo/podform/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block an enforcing run.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode decides what happens when a blocking violation is found.
type Mode string

const (
	// ModeAdvisory reports violations and lets the run proceed.
	ModeAdvisory Mode = "advisory"

	// ModeEnforcing refuses to run when a blocking violation is found.
	ModeEnforcing Mode = "enforcing"
)

// Policy is a Rego module producing a deny set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the module source. Violations are read from the
	// module's deny rule.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that carry none.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for builtins.
	Source string `json:"source,omitempty"`
}

// PolicyViolation is a single entry of a deny set.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// State is the rendered state ID the violation refers to, if any.
	State string `json:"state,omitempty"`

	Message string `json:"message"`

	Severity Severity `json:"severity"`

	// Details holds the remaining fields of the deny entry.
	Details map[string]interface{} `json:"details,omitempty"`
}

// PolicyResult is the outcome of evaluating every enabled policy.
type PolicyResult struct {
	// Allowed is false when a blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations holds error and critical findings.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings holds info and warning findings.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration time.Duration `json:"duration"`
}

// PolicyInput is the document policies see as input.
type PolicyInput struct {
	Topic string `json:"topic"`

	// Host is the grains id of the managed host.
	Host string `json:"host"`

	Grains map[string]interface{} `json:"grains"`

	// Mapdata is the resolved parameter mapping of the topic.
	Mapdata map[string]interface{} `json:"mapdata"`

	// States are the rendered states about to run.
	States []engine.State `json:"states"`

	Context PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Operation is the command being checked, e.g. "apply" or "validate".
	Operation string `json:"operation,omitempty"`

	// Test is set for runs that only report what would change.
	Test bool `json:"test"`

	Timestamp time.Time `json:"timestamp"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name string `json:"name"`

	Version string `json:"version"`

	Description string `json:"description"`

	Policies []Policy `json:"policies"`
}
