package states

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/transports/transportstest"
)

func TestFileManaged(t *testing.T) {
	const conf = "[engine]\ncgroup_manager = \"systemd\"\n"
	tests := []struct {
		name    string
		setup   func(tp *transportstest.Fake)
		args    map[string]any
		test    bool
		want    *bool
		comment string
		changes []string
		content string
	}{
		{
			name:    "creates file",
			setup:   func(tp *transportstest.Fake) { _ = tp.MkdirAll(context.Background(), "/etc/containers", 0o755) },
			args:    map[string]any{"contents": conf, "mode": "0644"},
			want:    wantOK,
			comment: "File /etc/containers/containers.conf created",
			changes: []string{"diff"},
			content: conf,
		},
		{
			name:    "missing parent",
			args:    map[string]any{"contents": conf},
			want:    wantFailed,
			comment: "Parent directory not present: /etc/containers",
		},
		{
			name:    "makedirs",
			args:    map[string]any{"contents": conf, "makedirs": true},
			want:    wantOK,
			changes: []string{"diff"},
			content: conf,
		},
		{
			name: "unchanged",
			setup: func(tp *transportstest.Fake) {
				tp.SetFile("/etc/containers/containers.conf", []byte(conf), 0o644)
				tp.Reply("stat -c", "root root 644\n", 0)
			},
			args:    map[string]any{"contents": conf, "mode": "0644", "user": "root"},
			want:    wantOK,
			comment: "File /etc/containers/containers.conf is in the correct state",
			content: conf,
		},
		{
			name: "content and mode change",
			setup: func(tp *transportstest.Fake) {
				tp.SetFile("/etc/containers/containers.conf", []byte("old"), 0o600)
				tp.Reply("stat -c", "root root 600\n", 0)
				tp.Reply("chmod", "", 0)
			},
			args:    map[string]any{"contents": conf, "mode": "644"},
			want:    wantOK,
			comment: "File /etc/containers/containers.conf updated",
			changes: []string{"mode", "sha256"},
			content: conf,
		},
		{
			name: "test mode",
			setup: func(tp *transportstest.Fake) {
				tp.SetFile("/etc/containers/containers.conf", []byte("old"), 0o644)
				tp.Reply("stat -c", "root root 644\n", 0)
			},
			args:    map[string]any{"contents": conf},
			test:    true,
			want:    wantPending,
			comment: "is set to be changed",
			changes: []string{"sha256"},
			content: "old",
		},
		{
			name: "tofs source",
			setup: func(tp *transportstest.Fake) {
				_ = tp.MkdirAll(context.Background(), "/etc/containers", 0o755)
			},
			args: map[string]any{"source": []any{
				"podman/files/web01/containers.conf",
				"podman/files/Debian/containers.conf",
				"podman/files/default/containers.conf",
			}},
			want:    wantOK,
			changes: []string{"diff"},
			content: "debian override\n",
		},
		{
			name:    "no tofs source",
			args:    map[string]any{"source": "podman/files/missing/containers.conf"},
			want:    wantFailed,
			comment: "Source file not found",
		},
	}

	files := fstest.MapFS{
		"podman/files/Debian/containers.conf":  {Data: []byte("debian override\n")},
		"podman/files/default/containers.conf": {Data: []byte("default\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := transportstest.New()
			if tt.setup != nil {
				tt.setup(tp)
			}
			env := newEnv(tp, tt.test)
			env.Files = files

			st := engine.State{ID: "/etc/containers/containers.conf", Function: "file.managed", Args: tt.args}
			res, err := fileManaged(context.Background(), env, st)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			wantResult(t, res, tt.want, tt.comment)
			if diff := cmp.Diff(tt.changes, engine.SortedChangeKeys(res.Changes), cmpEmpty); diff != "" {
				t.Errorf("change keys mismatch (-want +got):\n%s", diff)
			}

			got, _ := tp.File("/etc/containers/containers.conf")
			if string(got) != tt.content {
				t.Errorf("Expected content %q, got %q", tt.content, got)
			}
		})
	}
}

func TestFileManaged_Ownership(t *testing.T) {
	tp := transportstest.New()
	tp.SetFile("/home/app/.config/containers/storage.conf", []byte("x"), 0o644)
	tp.Reply("stat -c", "root root 644\n", 0)
	tp.Reply("chown", "", 0)

	st := engine.State{ID: "/home/app/.config/containers/storage.conf", Function: "file.managed", Args: map[string]any{
		"contents": "x", "user": "app", "group": "app",
	}}
	res, err := fileManaged(context.Background(), newEnv(tp, false), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "updated")
	if !tp.Ran("chown app:app /home/app/.config/containers/storage.conf") {
		t.Errorf("Expected chown, got calls %v", tp.Calls())
	}
}

func TestFileAbsent(t *testing.T) {
	tp := transportstest.New()
	tp.SetFile("/etc/containers/registries.conf", []byte("x"), 0o644)
	st := engine.State{ID: "/etc/containers/registries.conf", Function: "file.absent"}

	res, err := fileAbsent(context.Background(), newEnv(tp, true), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantPending, "is set for removal")

	res, err = fileAbsent(context.Background(), newEnv(tp, false), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "Removed file /etc/containers/registries.conf")
	if _, found := tp.File("/etc/containers/registries.conf"); found {
		t.Error("Expected file to be removed")
	}

	res, err = fileAbsent(context.Background(), newEnv(tp, false), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "is not present")
	if len(res.Changes) != 0 {
		t.Errorf("Expected no changes, got %v", res.Changes)
	}
}

func TestFileDirectory(t *testing.T) {
	tp := transportstest.New()
	st := engine.State{ID: "/etc/containers/systemd", Function: "file.directory", Args: map[string]any{"makedirs": true}}

	res, err := fileDirectory(context.Background(), newEnv(tp, false), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "Directory /etc/containers/systemd created")

	info, err := tp.Stat(context.Background(), "/etc/containers/systemd")
	if err != nil || !info.IsDir() {
		t.Fatalf("Expected directory, got %v, %v", info, err)
	}

	tp.Reply("stat -c", "root root 755\n", 0)
	res, err = fileDirectory(context.Background(), newEnv(tp, false), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "is in the correct state")

	tp.SetFile("/etc/containers/policy.json", []byte("{}"), 0o644)
	res, err = fileDirectory(context.Background(), newEnv(tp, false), engine.State{ID: "/etc/containers/policy.json", Function: "file.directory"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantFailed, "exists and is a file")
}
