package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/telemetry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func container(name, image string, args map[string]any) engine.State {
	a := map[string]any{"image": image}
	for k, v := range args {
		a[k] = v
	}
	return engine.State{
		ID:       "podman-containers-" + name + "-running",
		Function: "podman.running",
		Name:     name,
		Args:     a,
	}
}

func registriesMapdata(regs ...any) map[string]any {
	if regs == nil {
		regs = []any{}
	}
	return map[string]any{
		"config": map[string]any{
			"registries": map[string]any{"unqualified-search-registries": regs},
		},
	}
}

type finding struct {
	Policy string
	State  string
}

func findings(vs []PolicyViolation) []finding {
	out := make([]finding, 0, len(vs))
	for _, v := range vs {
		out = append(out, finding{Policy: v.Policy, State: v.State})
	}
	return out
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}

	expected := []string{
		"image-pinned",
		"rootless-privileged-ports",
		"secret-data",
		"short-name-registries",
		"socket-disabled",
	}
	if diff := cmp.Diff(expected, names); diff != "" {
		t.Errorf("Built-in policies mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		input      PolicyInput
		allowed    bool
		violations []finding
		warnings   []finding
	}{
		{
			name: "pinned images pass",
			input: PolicyInput{
				Mapdata: registriesMapdata("docker.io"),
				States: []engine.State{
					container("web", "docker.io/library/nginx:1.27", nil),
					container("db", "quay.io/org/postgres@sha256:0123abcd", nil),
					container("cache", "localhost:5000/redis:7", nil),
				},
			},
			allowed:    true,
			violations: []finding{},
			warnings:   []finding{},
		},
		{
			name: "latest and untagged images warn",
			input: PolicyInput{
				Mapdata: registriesMapdata("docker.io"),
				States: []engine.State{
					container("a", "docker.io/library/nginx:latest", nil),
					container("b", "docker.io/library/nginx", nil),
					container("c", "localhost:5000/redis", nil),
				},
			},
			allowed:    true,
			violations: []finding{},
			warnings: []finding{
				{Policy: "image-pinned", State: "podman-containers-a-running"},
				{Policy: "image-pinned", State: "podman-containers-b-running"},
				{Policy: "image-pinned", State: "podman-containers-c-running"},
			},
		},
		{
			name: "rootless privileged ports deny",
			input: PolicyInput{
				Mapdata: registriesMapdata("docker.io"),
				States: []engine.State{
					container("low", "nginx:1.27", map[string]any{"user": "alice", "ports": []string{"80:80"}}),
					container("bound", "nginx:1.27", map[string]any{"user": "alice", "ports": []string{"127.0.0.1:443:443/tcp"}}),
					container("high", "nginx:1.27", map[string]any{"user": "alice", "ports": []string{"8080:80", "53"}}),
					container("rootful", "nginx:1.27", map[string]any{"ports": []string{"80:80"}}),
				},
			},
			allowed: false,
			violations: []finding{
				{Policy: "rootless-privileged-ports", State: "podman-containers-bound-running"},
				{Policy: "rootless-privileged-ports", State: "podman-containers-low-running"},
			},
			warnings: []finding{},
		},
		{
			name: "empty secret denies",
			input: PolicyInput{
				States: []engine.State{
					{ID: "podman-secrets-token-present", Function: "podman.secret_present", Name: "token", Args: map[string]any{"data": "  "}},
					{ID: "podman-secrets-key-present", Function: "podman.secret_present", Name: "key", Args: map[string]any{"data": "s3cret"}},
				},
			},
			allowed: false,
			violations: []finding{
				{Policy: "secret-data", State: "podman-secrets-token-present"},
			},
			warnings: []finding{},
		},
		{
			name: "short names without search registries warn",
			input: PolicyInput{
				Mapdata: registriesMapdata(),
				States: []engine.State{
					container("short", "nginx:1.27", nil),
					container("qualified", "docker.io/library/nginx:1.27", nil),
					container("local", "localhost/app:1", nil),
				},
			},
			allowed:    true,
			violations: []finding{},
			warnings: []finding{
				{Policy: "short-name-registries", State: "podman-containers-short-running"},
			},
		},
		{
			name: "disabled socket is reported for rootful containers",
			input: PolicyInput{
				Mapdata: registriesMapdata("docker.io"),
				States: []engine.State{
					{ID: "podman-service-running-service-running", Function: "service.running", Name: "podman.socket", Args: map[string]any{"enable": false}},
					container("web", "nginx:1.27", nil),
					container("rootless", "nginx:1.27", map[string]any{"user": "alice"}),
				},
			},
			allowed:    true,
			violations: []finding{},
			warnings: []finding{
				{Policy: "socket-disabled", State: "podman-containers-web-running"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.input
			result, err := eng.Evaluate(context.Background(), &input)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v", tt.allowed, result.Allowed)
			}
			if diff := cmp.Diff(tt.violations, findings(result.Violations)); diff != "" {
				t.Errorf("Violations mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.warnings, findings(result.Warnings)); diff != "" {
				t.Errorf("Warnings mismatch (-want +got):\n%s", diff)
			}
			if len(result.EvaluatedPolicies) != 5 {
				t.Errorf("Expected 5 evaluated policies, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_ViolationDetails(t *testing.T) {
	eng := newTestEngine(t)

	input := &PolicyInput{
		Mapdata: registriesMapdata("docker.io"),
		States: []engine.State{
			container("low", "nginx:1.27", map[string]any{"user": "alice", "ports": []string{"8000-8010:80", "25:25"}}),
		},
	}
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}

	v := result.Violations[0]
	if v.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", v.Severity)
	}
	if v.Message != "rootless container low of user alice publishes privileged port 25" {
		t.Errorf("Unexpected message %q", v.Message)
	}
	if _, ok := v.Details["port"]; !ok {
		t.Errorf("Expected port detail, got %v", v.Details)
	}
}

func TestEnforce_Modes(t *testing.T) {
	input := func() *PolicyInput {
		return &PolicyInput{
			Topic: "podman",
			Host:  "web01",
			States: []engine.State{
				{ID: "podman-secrets-token-present", Function: "podman.secret_present", Name: "token", Args: map[string]any{"data": ""}},
			},
		}
	}

	t.Run("advisory", func(t *testing.T) {
		eng := newTestEngine(t)
		result, err := eng.Enforce(context.Background(), input(), ModeAdvisory, "run-1")
		if err != nil {
			t.Fatalf("Expected advisory mode to pass, got: %v", err)
		}
		if result.Allowed {
			t.Error("Expected result to be not allowed")
		}
	})

	t.Run("enforcing", func(t *testing.T) {
		eng := newTestEngine(t)
		result, err := eng.Enforce(context.Background(), input(), ModeEnforcing, "run-1")
		if !errors.Is(err, ErrDenied) {
			t.Fatalf("Expected ErrDenied, got: %v", err)
		}
		if result == nil || len(result.Violations) != 1 {
			t.Fatalf("Expected the result with one violation, got %+v", result)
		}
	})
}

func TestEnforce_PublishesViolations(t *testing.T) {
	events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})

	var mu sync.Mutex
	var got []telemetry.Event
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}, func(e telemetry.Event) bool {
		return e.Type == telemetry.EventTypePolicyViolation
	})

	eng, err := NewEngine(zerolog.Nop(), events)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	input := &PolicyInput{
		Mapdata: registriesMapdata("docker.io"),
		States:  []engine.State{container("web", "nginx", nil)},
	}
	if _, err := eng.Enforce(context.Background(), input, ModeEnforcing, "run-7"); err != nil {
		t.Fatalf("Expected warnings not to deny, got: %v", err)
	}

	if err := events.Shutdown(context.Background()); err != nil {
		t.Fatalf("Failed to shut down publisher: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("Expected 1 policy event, got %d", len(got))
	}
	e := got[0]
	if e.RunID != "run-7" || e.StateID != "podman-containers-web-running" || e.Level != telemetry.EventLevelWarning {
		t.Errorf("Unexpected event %+v", e)
	}
	if e.Data["policy"] != "image-pinned" {
		t.Errorf("Expected policy image-pinned, got %v", e.Data["policy"])
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	custom := `# Containers must declare an owner label.
# severity: error
package site.labels

import rego.v1

deny contains violation if {
	some st in input.states
	st.function == "podman.running"
	not st.args.labels.owner
	violation := {"message": sprintf("%s has no owner label", [st.name]), "state": st.id}
}
`
	if err := os.WriteFile(filepath.Join(dir, "owner-label.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("owner-label")
	if err != nil {
		t.Fatalf("Expected loaded policy, got: %v", err)
	}
	if p.Description != "Containers must declare an owner label." {
		t.Errorf("Unexpected description %q", p.Description)
	}

	input := &PolicyInput{
		Mapdata: registriesMapdata("docker.io"),
		States: []engine.State{
			container("web", "nginx:1.27", map[string]any{"labels": map[string]any{"owner": "ops"}}),
			container("api", "nginx:1.27", nil),
		},
	}
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := []finding{{Policy: "owner-label", State: "podman-containers-api-running"}}
	if diff := cmp.Diff(want, findings(result.Violations)); diff != "" {
		t.Errorf("Violations mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPolicies_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package broken\n\ndeny contains"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected compile error, got nil")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("Expected broken policy not to be registered")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	extra := Policy{Name: "extra", Rego: denyNothing, Severity: SeverityWarning, Enabled: true}
	if err := eng.ReplacePolicies(ctx, []Policy{extra}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(eng.ListPolicies()) != 6 {
		t.Fatalf("Expected 6 policies, got %d", len(eng.ListPolicies()))
	}

	broken := Policy{Name: "broken", Rego: "package broken\ndeny contains", Enabled: true}
	if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("Expected compile error, got nil")
	}
	if _, err := eng.GetPolicy("extra"); err != nil {
		t.Errorf("Expected previous policies to survive a failed replace, got: %v", err)
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Errorf("Expected only built-in policies, got %d", len(eng.ListPolicies()))
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	input := func() *PolicyInput {
		return &PolicyInput{
			Mapdata: registriesMapdata("docker.io"),
			States:  []engine.State{container("web", "nginx", nil)},
		}
	}

	if err := eng.DisablePolicy("image-pinned"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), input())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings with the policy disabled, got %+v", result.Warnings)
	}

	if err := eng.EnablePolicy("image-pinned"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), input())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("Expected 1 warning with the policy enabled, got %+v", result.Warnings)
	}

	if err := eng.DisablePolicy("nonexistent"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestCreateViolation(t *testing.T) {
	p := &Policy{Name: "p", Severity: SeverityWarning}

	tests := []struct {
		name   string
		result interface{}
		want   PolicyViolation
	}{
		{
			name:   "string entry",
			result: "plain message",
			want:   PolicyViolation{Policy: "p", Message: "plain message", Severity: SeverityWarning},
		},
		{
			name:   "object entry",
			result: map[string]interface{}{"message": "m", "severity": "critical", "state": "s", "hint": "h"},
			want: PolicyViolation{Policy: "p", Message: "m", Severity: SeverityCritical, State: "s",
				Details: map[string]interface{}{"hint": "h"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, createViolation(p, tt.result)); diff != "" {
				t.Errorf("Violation mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
