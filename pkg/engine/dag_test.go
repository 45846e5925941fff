package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildGraph_Empty(t *testing.T) {
	graph, err := BuildGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty states, got: %v", err)
	}
	if graph.Len() != 0 {
		t.Errorf("Expected 0 states, got %d", graph.Len())
	}
	if len(graph.Levels) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(graph.Levels))
	}
}

func TestBuildGraph_Levels(t *testing.T) {
	tests := []struct {
		name   string
		states []State
		want   [][]string
	}{
		{
			name:   "single state",
			states: []State{{ID: "podman-package", Function: "pkg.installed"}},
			want:   [][]string{{"podman-package"}},
		},
		{
			name: "linear",
			states: []State{
				{ID: "pkg", Function: "pkg.installed"},
				{ID: "conf", Function: "file.managed", Require: []string{"pkg"}},
				{ID: "svc", Function: "service.running", Watch: []string{"conf"}},
			},
			want: [][]string{{"pkg"}, {"conf"}, {"svc"}},
		},
		{
			name: "diamond keeps declaration order",
			states: []State{
				{ID: "pkg", Function: "pkg.installed"},
				{ID: "storage", Function: "file.managed", Require: []string{"pkg"}},
				{ID: "registries", Function: "file.managed", Require: []string{"pkg"}},
				{ID: "containers", Function: "file.managed", Require: []string{"pkg"}},
				{ID: "svc", Function: "service.running", Watch: []string{"containers", "registries", "storage"}},
			},
			want: [][]string{{"pkg"}, {"storage", "registries", "containers"}, {"svc"}},
		},
		{
			name: "independent roots",
			states: []State{
				{ID: "b", Function: "test.nop"},
				{ID: "a", Function: "test.nop"},
				{ID: "c", Function: "test.nop", OnChanges: []string{"a"}},
			},
			want: [][]string{{"b", "a"}, {"c"}},
		},
		{
			name: "requisite listed twice",
			states: []State{
				{ID: "a", Function: "test.nop"},
				{ID: "b", Function: "test.nop", Require: []string{"a"}, Watch: []string{"a"}},
			},
			want: [][]string{{"a"}, {"b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			graph, err := BuildGraph(tt.states)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if diff := cmp.Diff(tt.want, graph.Levels); diff != "" {
				t.Errorf("levels mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildGraph_Errors(t *testing.T) {
	tests := []struct {
		name     string
		states   []State
		wantCode string
		wantMsg  string
	}{
		{
			name:     "empty id",
			states:   []State{{Function: "pkg.installed"}},
			wantCode: ErrCodeValidation,
			wantMsg:  "empty ID",
		},
		{
			name:     "missing function",
			states:   []State{{ID: "a"}},
			wantCode: ErrCodeValidation,
			wantMsg:  "no function",
		},
		{
			name: "duplicate id",
			states: []State{
				{ID: "a", Function: "test.nop"},
				{ID: "a", Function: "test.nop"},
			},
			wantCode: ErrCodeValidation,
			wantMsg:  "duplicate state ID: a",
		},
		{
			name: "missing requisite",
			states: []State{
				{ID: "svc", Function: "service.running", Require: []string{"pkg"}},
			},
			wantCode: ErrCodeMissingRequisite,
			wantMsg:  "state svc requires non-existent state pkg",
		},
		{
			name: "cycle",
			states: []State{
				{ID: "root", Function: "test.nop"},
				{ID: "a", Function: "test.nop", Require: []string{"root", "c"}},
				{ID: "b", Function: "test.nop", Require: []string{"a"}},
				{ID: "c", Function: "test.nop", Watch: []string{"b"}},
			},
			wantCode: ErrCodeCycle,
			wantMsg:  "a -> c -> b -> a",
		},
		{
			name: "self requisite",
			states: []State{
				{ID: "a", Function: "test.nop", OnChanges: []string{"a"}},
			},
			wantCode: ErrCodeCycle,
			wantMsg:  "a -> a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.states)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			var engineErr *EngineError
			if !errors.As(err, &engineErr) {
				t.Fatalf("Expected EngineError, got %T", err)
			}
			if engineErr.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, engineErr.Code)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestGraph_ToDOT(t *testing.T) {
	graph, err := BuildGraph([]State{
		{ID: "pkg", Function: "pkg.installed"},
		{ID: "conf", Function: "file.managed", Require: []string{"pkg"}},
		{ID: "svc", Function: "service.running", Watch: []string{"conf"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT()
	for _, want := range []string{
		"digraph States {",
		"cluster_level_2",
		`"pkg" -> "conf" [style=solid];`,
		`"conf" -> "svc" [style=dashed, color=blue];`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q, got:\n%s", want, dot)
		}
	}
}

func TestState_Helpers(t *testing.T) {
	st := State{ID: "podman-container-web", Function: "podman.running", Name: "web"}
	if st.Target() != "web" {
		t.Errorf("Expected target web, got %s", st.Target())
	}
	if st.Module() != "podman" {
		t.Errorf("Expected module podman, got %s", st.Module())
	}

	st.Name = ""
	if st.Target() != "podman-container-web" {
		t.Errorf("Expected target to fall back to ID, got %s", st.Target())
	}
}
