package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/podform/pkg/config"
	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/policy"
	"github.com/openfroyo/podform/pkg/stores"
)

// offlineDebian selects a Debian host without collecting grains.
var offlineDebian = []string{
	"--offline",
	"-g", "id=web01",
	"-g", "os=Debian",
	"-g", "os_family=Debian",
	"-g", "osfinger=Debian-12",
	"-g", "osarch=amd64",
	"-g", "osmajorrelease=12",
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "unknown")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

const privilegedPortPillar = `podman:
  containers:
    proxy:
      image: docker.io/library/caddy:2.8
      user: alice
      ports:
        - "443:443"
`

func TestParseHost(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		wantHost string
		wantUser string
		wantPort int
		wantErr  bool
	}{
		{name: "host only", spec: "web01", wantHost: "web01"},
		{name: "user and host", spec: "admin@web01", wantHost: "web01", wantUser: "admin"},
		{name: "with port", spec: "admin@web01:2222", wantHost: "web01", wantUser: "admin", wantPort: 2222},
		{name: "ipv6 with port", spec: "[::1]:22", wantHost: "::1", wantPort: 22},
		{name: "empty host", spec: "admin@", wantErr: true},
		{name: "bad port", spec: "web01:ssh", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tc config.TransportConfig
			err := parseHost(tt.spec, &tc)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q, got %+v", tt.spec, tc)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if tc.Kind != "ssh" {
				t.Errorf("Expected kind ssh, got %s", tc.Kind)
			}
			if tc.Host != tt.wantHost || tc.User != tt.wantUser || tc.Port != tt.wantPort {
				t.Errorf("Expected %s@%s:%d, got %s@%s:%d",
					tt.wantUser, tt.wantHost, tt.wantPort, tc.User, tc.Host, tc.Port)
			}
		})
	}
}

func TestMapdataCommand(t *testing.T) {
	t.Run("query", func(t *testing.T) {
		out, err := execute(t, append([]string{"mapdata", "--query", "lookup.pkg.extra"}, offlineDebian...)...)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		want := "- uidmap\n- slirp4netns\n- fuse-overlayfs\n"
		if out != want {
			t.Errorf("Expected %q, got %q", want, out)
		}
	})

	t.Run("query json", func(t *testing.T) {
		out, err := execute(t, append([]string{"--json", "mapdata", "-q", "lookup.pkg.name"}, offlineDebian...)...)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if strings.TrimSpace(out) != `"podman"` {
			t.Errorf("Expected \"podman\", got %s", out)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := execute(t, append([]string{"mapdata", "-q", "lookup.nothing"}, offlineDebian...)...)
		if err == nil {
			t.Fatal("Expected error for a missing path")
		}
	})

	t.Run("pillar wins", func(t *testing.T) {
		dir := t.TempDir()
		pillar := writeFile(t, dir, "pillar.yaml", "podman:\n  lookup:\n    pkg:\n      name: podman-custom\n")
		out, err := execute(t, append([]string{"mapdata", "-q", "lookup.pkg.name", "-p", pillar}, offlineDebian...)...)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if strings.TrimSpace(out) != "podman-custom" {
			t.Errorf("Expected podman-custom, got %s", out)
		}
	})

	t.Run("stack", func(t *testing.T) {
		out, err := execute(t, append([]string{"--json", "mapdata", "--show-stack"}, offlineDebian...)...)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(out), &doc); err != nil {
			t.Fatalf("Expected JSON output, got: %v", err)
		}
		for _, key := range []string{"key", "stack", "values"} {
			if _, ok := doc[key]; !ok {
				t.Errorf("Expected %s in output", key)
			}
		}
	})
}

func TestGrainsCommand(t *testing.T) {
	out, err := execute(t, append([]string{"grains", "--key", "osmajorrelease"}, offlineDebian...)...)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.TrimSpace(out) != "12" {
		t.Errorf("Expected 12, got %s", out)
	}

	_, err = execute(t, "grains", "--offline", "-g", "novalue")
	if err == nil {
		t.Error("Expected error for a grain without value")
	}
}

func TestRenderCommand(t *testing.T) {
	t.Run("states", func(t *testing.T) {
		out, err := execute(t, append([]string{"--json", "render", "-u", "package"}, offlineDebian...)...)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		var sts []engine.State
		if err := json.Unmarshal([]byte(out), &sts); err != nil {
			t.Fatalf("Expected states, got: %v", err)
		}
		var functions []string
		for _, st := range sts {
			functions = append(functions, st.Function)
		}
		if diff := cmp.Diff([]string{"pkg.installed", "pkg.installed"}, functions); diff != "" {
			t.Errorf("functions mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("dot", func(t *testing.T) {
		out, err := execute(t, append([]string{"render", "--dot"}, offlineDebian...)...)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !strings.HasPrefix(out, "digraph") {
			t.Errorf("Expected DOT output, got %q", out)
		}
	})

	t.Run("unknown unit", func(t *testing.T) {
		_, err := execute(t, append([]string{"render", "-u", "network"}, offlineDebian...)...)
		if err == nil {
			t.Error("Expected error for an unknown unit")
		}
	})
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, append([]string{"--json", "validate"}, offlineDebian...)...)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var report validationReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Expected a report, got: %v", err)
	}
	if !report.Valid || report.Topic != "podman" {
		t.Errorf("Expected a valid podman report, got %+v", report)
	}
	if report.States == 0 || report.CleanStates == 0 || report.Levels == 0 {
		t.Errorf("Expected states, clean states and levels, got %+v", report)
	}
}

func TestValidateCommand_PolicyViolation(t *testing.T) {
	pillar := writeFile(t, t.TempDir(), "pillar.yaml", privilegedPortPillar)

	out, err := execute(t, append([]string{"--json", "validate", "-p", pillar}, offlineDebian...)...)
	if err == nil {
		t.Fatal("Expected validation to fail")
	}

	var report validationReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Expected a report before the error, got: %v", err)
	}
	if len(report.Violations) != 1 || report.Violations[0].Policy != "rootless-privileged-ports" {
		t.Errorf("Expected a rootless-privileged-ports violation, got %+v", report.Violations)
	}
}

func TestTofsCommand(t *testing.T) {
	out, err := execute(t, append([]string{"--json", "tofs", "policy.json", "-k", "policy_json"}, offlineDebian...)...)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var doc struct {
		Candidates []string `json:"candidates"`
		Source     string   `json:"source"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("Expected JSON output, got: %v", err)
	}
	want := []string{
		"podman/files/web01/policy.json",
		"podman/files/Debian/policy.json",
		"podman/files/default/policy.json",
	}
	if diff := cmp.Diff(want, doc.Candidates); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
	if doc.Source != "podman/files/default/policy.json" {
		t.Errorf("Expected default source, got %s", doc.Source)
	}

	if _, err := execute(t, append([]string{"tofs", "missing.conf"}, offlineDebian...)...); err == nil {
		t.Error("Expected error when no candidate exists")
	}
}

func TestApplyCommand_EnforcedPolicyIsRecorded(t *testing.T) {
	dir := t.TempDir()
	pillar := writeFile(t, dir, "pillar.yaml", privilegedPortPillar)
	db := filepath.Join(dir, "state.db")

	args := append([]string{"apply", "--test", "--policy-mode", "enforcing", "-p", pillar, "--state-db", db}, offlineDebian...)
	_, err := execute(t, args...)
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("Expected ErrDenied, got: %v", err)
	}

	out, err := execute(t, "--json", "history", "list", "--state-db", db)
	if err != nil {
		t.Fatalf("Expected no error listing runs, got: %v", err)
	}
	var runs []stores.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("Expected runs, got: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	if runs[0].Host != "web01" || runs[0].Status != string(engine.RunStatusFailed) || !runs[0].Test {
		t.Errorf("Expected a failed test run of web01, got %+v", runs[0])
	}
	if runs[0].Error == nil || !strings.Contains(*runs[0].Error, "rootless-privileged-ports") {
		t.Errorf("Expected the denial as run error, got %v", runs[0].Error)
	}

	out, err = execute(t, "--json", "history", "events", runs[0].ID, "--state-db", db)
	if err != nil {
		t.Fatalf("Expected no error listing events, got: %v", err)
	}
	if !strings.Contains(out, `"policy.violation"`) {
		t.Errorf("Expected a recorded policy.violation event, got %s", out)
	}
}

func TestApplyCommand_RenderFailureIsRecorded(t *testing.T) {
	dir := t.TempDir()
	pillar := writeFile(t, dir, "pillar.yaml", "podman:\n  containers:\n    db:\n      state: running\n")
	db := filepath.Join(dir, "state.db")

	_, applyErr := execute(t, append([]string{"apply", "--test", "-p", pillar, "--state-db", db}, offlineDebian...)...)
	if applyErr == nil {
		t.Fatal("Expected a render error for a container without image")
	}

	out, err := execute(t, "--json", "history", "list", "--state-db", db)
	if err != nil {
		t.Fatalf("Expected no error listing runs, got: %v", err)
	}
	var runs []stores.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("Expected runs, got: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	if runs[0].Host != "web01" || runs[0].Status != string(engine.RunStatusFailed) {
		t.Errorf("Expected a failed run of web01, got %+v", runs[0])
	}
	if runs[0].Error == nil || *runs[0].Error != applyErr.Error() {
		t.Errorf("Expected run error %q, got %v", applyErr.Error(), runs[0].Error)
	}

	out, err = execute(t, "--json", "history", "show", runs[0].ID, "--snapshots", "--state-db", db)
	if err != nil {
		t.Fatalf("Expected no error showing run, got: %v", err)
	}
	var detail struct {
		Grains  map[string]any `json:"grains"`
		Mapdata map[string]any `json:"mapdata"`
	}
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("Expected run detail, got: %v", err)
	}
	if detail.Grains["id"] != "web01" {
		t.Errorf("Expected the grains snapshot, got %v", detail.Grains)
	}
	if detail.Mapdata != nil {
		t.Errorf("Expected no mapdata snapshot, got %v", detail.Mapdata)
	}
}

func TestApplyCommand_InvalidPolicyMode(t *testing.T) {
	_, err := execute(t, append([]string{"apply", "--policy-mode", "strict", "--state-db", filepath.Join(t.TempDir(), "s.db")}, offlineDebian...)...)
	if err == nil || !strings.Contains(err.Error(), "invalid policy mode") {
		t.Errorf("Expected invalid policy mode error, got: %v", err)
	}
}

func seedRun(t *testing.T, db string) string {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: db})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate store: %v", err)
	}

	rec := stores.NewRecorder(store, zerolog.Nop())
	info := stores.RunInfo{
		ID:      "run-1",
		Host:    "web01",
		Topic:   "podman",
		Grains:  map[string]any{"id": "web01"},
		Mapdata: map[string]any{"lookup": map[string]any{"pkg": map[string]any{"name": "podman"}}},
	}
	if err := rec.Begin(ctx, info); err != nil {
		t.Fatalf("Failed to begin run: %v", err)
	}

	res := engine.NewResult(engine.State{ID: "podman-package-install-pkg-installed", Function: "pkg.installed", Name: "podman"})
	res.Changes = map[string]any{"podman": map[string]any{"old": "", "new": "4.9.3"}}
	now := time.Now()
	run := &engine.Run{
		ID:          info.ID,
		Topic:       info.Topic,
		Status:      engine.RunStatusSucceeded,
		StartedAt:   now.Add(-time.Second),
		CompletedAt: now,
		Duration:    time.Second,
		Results:     []*engine.Result{res},
		Summary:     engine.RunSummary{Total: 1, Changed: 1},
	}
	if err := rec.Finish(ctx, info.ID, run, nil); err != nil {
		t.Fatalf("Failed to finish run: %v", err)
	}
	return info.ID
}

func TestHistoryCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.db")
	id := seedRun(t, db)

	out, err := execute(t, "--json", "history", "show", id, "--snapshots", "--state-db", db)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var detail struct {
		Run     stores.Run           `json:"run"`
		Results []stores.StateResult `json:"results"`
		Grains  map[string]any       `json:"grains"`
		Mapdata map[string]any       `json:"mapdata"`
	}
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("Expected run detail, got: %v", err)
	}
	if detail.Run.Status != string(engine.RunStatusSucceeded) {
		t.Errorf("Expected succeeded, got %s", detail.Run.Status)
	}
	if len(detail.Results) != 1 || detail.Results[0].Function != "pkg.installed" {
		t.Errorf("Expected one pkg.installed result, got %+v", detail.Results)
	}
	if diff := cmp.Diff(map[string]any{"id": "web01"}, detail.Grains); diff != "" {
		t.Errorf("grains snapshot mismatch (-want +got):\n%s", diff)
	}

	out, err = execute(t, "history", "list", "--for-host", "db01", "--state-db", db)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("Expected no runs of db01, got %s", out)
	}

	if _, err := execute(t, "history", "delete", id, "--state-db", db); err != nil {
		t.Fatalf("Expected no error deleting, got: %v", err)
	}
	_, err = execute(t, "history", "show", id, "--state-db", db)
	if !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got: %v", err)
	}
}

func TestPolicyCommands(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "labels.rego", `# Containers must carry an owner label.
# severity: warning
package podform.custom.labels

import rego.v1

deny contains msg if {
	some st in input.states
	st.function == "podman.running"
	not st.args.labels.owner
	msg := sprintf("container %s has no owner label", [st.name])
}
`)
	cfg := writeFile(t, dir, "podform.yaml", "policy:\n  paths:\n    - "+dir+"\n")

	out, err := execute(t, "--json", "--config", cfg, "policy", "list")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var rows []policySummary
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("Expected policy rows, got: %v", err)
	}
	var names []string
	for _, r := range rows {
		names = append(names, r.Name)
	}
	want := []string{
		"image-pinned",
		"labels",
		"rootless-privileged-ports",
		"secret-data",
		"short-name-registries",
		"socket-disabled",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("policies mismatch (-want +got):\n%s", diff)
	}

	out, err = execute(t, "policy", "show", "secret-data")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.HasPrefix(out, "package podform.policies.secrets") {
		t.Errorf("Expected Rego source, got %q", out)
	}

	if _, err := execute(t, "policy", "show", "nope"); err == nil {
		t.Error("Expected error for an unknown policy")
	}
}

func TestWatchCommand_NeedsFormulaRoot(t *testing.T) {
	_, err := execute(t, append([]string{"watch"}, offlineDebian...)...)
	if err == nil || !strings.Contains(err.Error(), "--formula-root") {
		t.Errorf("Expected a formula root error, got: %v", err)
	}
}

func TestConfigFile_Explicit(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "grains", "--offline")
	if err == nil {
		t.Error("Expected error for a missing explicit config file")
	}

	cfg := writeFile(t, t.TempDir(), "podform.yaml", "topic: podman\ncache:\n  backend: none\n")
	out, err := execute(t, append([]string{"--config", cfg, "mapdata", "-q", "service.enable"}, offlineDebian...)...)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.TrimSpace(out) != "true" {
		t.Errorf("Expected true, got %s", out)
	}
}
