package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadRuntime_Defaults(t *testing.T) {
	rt, err := LoadRuntime(filepath.Join(t.TempDir(), "missing.yaml"), false)
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if rt.Topic != "podman" {
		t.Errorf("expected topic podman, got %s", rt.Topic)
	}
	if rt.Cache.Backend != "memory" {
		t.Errorf("expected memory cache, got %s", rt.Cache.Backend)
	}
	if rt.Transport.Kind != "local" {
		t.Errorf("expected local transport, got %s", rt.Transport.Kind)
	}
}

func TestLoadRuntime_ExplicitMissing(t *testing.T) {
	if _, err := LoadRuntime(filepath.Join(t.TempDir(), "missing.yaml"), true); err == nil {
		t.Fatal("expected error for explicit missing file, got nil")
	}
}

func TestLoadRuntime_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "podform.yaml", `
formula_root: /srv/formulas/podman
pillar_files: [/srv/pillar/podman.yaml]
concurrency: 8
cache:
  backend: redis
  addr: 127.0.0.1:6379
  ttl: 10m
transport:
  kind: ssh
  host: web01.example.com
  user: deploy
telemetry:
  service_name: podform
  logging:
    level: debug
    format: json
`)

	rt, err := LoadRuntime(path, true)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rt.FormulaRoot != "/srv/formulas/podman" {
		t.Errorf("expected formula root, got %s", rt.FormulaRoot)
	}
	if rt.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", rt.Concurrency)
	}
	if rt.Cache.TTL != 10*time.Minute {
		t.Errorf("expected ttl 10m, got %v", rt.Cache.TTL)
	}
	if got := rt.Cache.RedisConfig(); got.Addr != "127.0.0.1:6379" || got.Prefix != "podform:mapdata:" {
		t.Errorf("unexpected redis config %+v", got)
	}
	if rt.Transport.Host != "web01.example.com" || rt.Transport.Port != 22 {
		t.Errorf("unexpected transport %+v", rt.Transport)
	}
	if rt.Telemetry.Logging.Format != "json" {
		t.Errorf("expected json logging, got %s", rt.Telemetry.Logging.Format)
	}
	// Fields absent from the file keep their defaults
	if rt.Telemetry.Events.BufferSize != 256 {
		t.Errorf("expected default event buffer, got %d", rt.Telemetry.Events.BufferSize)
	}
}

func TestRuntime_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Runtime)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Runtime) {}},
		{name: "redis without addr", mutate: func(r *Runtime) { r.Cache.Backend = "redis" }, wantErr: "Addr"},
		{name: "unknown cache", mutate: func(r *Runtime) { r.Cache.Backend = "memcached" }, wantErr: "Backend"},
		{name: "ssh without host", mutate: func(r *Runtime) { r.Transport.Kind = "ssh" }, wantErr: "Host"},
		{name: "topic with slash", mutate: func(r *Runtime) { r.Topic = "a/b" }, wantErr: "Topic"},
		{name: "zero concurrency", mutate: func(r *Runtime) { r.Concurrency = 0 }, wantErr: "Concurrency"},
		{name: "bad policy mode", mutate: func(r *Runtime) { r.Policy.Mode = "strict" }, wantErr: "Mode"},
		{name: "bad log level", mutate: func(r *Runtime) { r.Telemetry.Logging.Level = "loud" }, wantErr: "Level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := DefaultRuntime()
			tt.mutate(rt)
			err := rt.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRuntime_ApplyEnv(t *testing.T) {
	env := map[string]string{
		"PODFORM_TOPIC":         "podman",
		"PODFORM_CACHE_BACKEND": "redis",
		"PODFORM_REDIS_ADDR":    "cache:6379",
		"PODFORM_PILLAR_FILES":  "/a.yaml, /b.yaml,,",
		"PODFORM_CONCURRENCY":   "2",
		"PODFORM_TRACING":       "true",
		"PODFORM_LOG_LEVEL":     "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	rt := DefaultRuntime()
	if err := rt.ApplyEnv(lookup); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rt.Cache.Backend != "redis" || rt.Cache.Addr != "cache:6379" {
		t.Errorf("unexpected cache %+v", rt.Cache)
	}
	if diff := cmp.Diff([]string{"/a.yaml", "/b.yaml"}, rt.PillarFiles); diff != "" {
		t.Errorf("pillar files mismatch (-want +got):\n%s", diff)
	}
	if rt.Concurrency != 2 {
		t.Errorf("expected concurrency 2, got %d", rt.Concurrency)
	}
	if !rt.Telemetry.Tracing.Enabled {
		t.Error("expected tracing enabled")
	}
	if rt.Telemetry.Logging.Level != "warn" {
		t.Errorf("expected warn level, got %s", rt.Telemetry.Logging.Level)
	}

	env["PODFORM_CONCURRENCY"] = "many"
	if err := DefaultRuntime().ApplyEnv(lookup); err == nil {
		t.Error("expected error for invalid concurrency, got nil")
	}
}

func TestLoadDataFiles(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", `
podman:
  containers:
    web: {image: nginx}
  lookup:
    pkg: {name: podman}
`)
	host := writeFile(t, dir, "host.yaml", `
podman:
  containers:
    web: {image: "nginx:1.27"}
    db: {image: postgres}
`)
	empty := writeFile(t, dir, "empty.yaml", "")

	got, err := LoadDataFiles([]string{base, empty, host})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := map[string]interface{}{
		"podman": map[string]interface{}{
			"containers": map[string]interface{}{
				"web": map[string]interface{}{"image": "nginx:1.27"},
				"db":  map[string]interface{}{"image": "postgres"},
			},
			"lookup": map[string]interface{}{
				"pkg": map[string]interface{}{"name": "podman"},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged data mismatch (-want +got):\n%s", diff)
	}

	list := writeFile(t, dir, "list.yaml", "- a\n- b\n")
	if _, err := LoadDataFiles([]string{list}); err == nil {
		t.Error("expected error for non-mapping file, got nil")
	}
	if _, err := LoadDataFiles([]string{filepath.Join(dir, "nope.yaml")}); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}
