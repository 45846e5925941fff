package states

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/transports/transportstest"
)

const (
	composeFile = "/opt/containers/web/docker-compose.yml"
	composeYAML = "services:\n  app:\n    image: nginx\n"
	podUnitPath = "/etc/systemd/system/pod_web.service"
	appUnitPath = "/etc/systemd/system/web_app_1.service"
)

const generatedUnits = `{"pod_web": "[Unit]\nDescription=Podman pod_web.service\n", "web_app_1": "[Unit]\nDescription=Podman web_app_1.service\n"}`

// composeHost fakes podman-compose and podman generate systemd for the
// "web" project. prefix is "systemctl" or "systemctl --user".
func composeHost(tp *transportstest.Fake, unit *unitHost, prefix string) *transportstest.Fake {
	tp.SetFile(composeFile, []byte(composeYAML), 0o644)
	unit.install(tp, prefix)
	tp.Reply(prefix+" daemon-reload", "", 0)
	tp.Reply("podman-compose", "", 0)
	tp.Reply("podman generate systemd", generatedUnits, 0)
	tp.Reply("chown", "", 0)
	return tp
}

func composeState(fn string, args map[string]any) engine.State {
	return engine.State{ID: "web", Function: fn, Name: composeFile, Args: args}
}

func mustInstall(t *testing.T, tp *transportstest.Fake) {
	t.Helper()
	res, err := composeInstalled(context.Background(), newEnv(tp, false), composeState("compose.installed", nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "has been installed")
}

func TestComposeInstalled(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, tp *transportstest.Fake)
		args      map[string]any
		test      bool
		want      *bool
		comment   string
		changes   map[string]any
		installed bool
	}{
		{
			name:      "fresh install",
			want:      wantOK,
			comment:   "Composition " + composeFile + " has been installed.",
			changes:   map[string]any{"installed": composeFile},
			installed: true,
		},
		{
			name:      "in sync",
			setup:     mustInstall,
			want:      wantOK,
			comment:   "is already installed and in sync with the definitions.",
			changes:   map[string]any{},
			installed: true,
		},
		{
			name: "changed definitions",
			setup: func(t *testing.T, tp *transportstest.Fake) {
				mustInstall(t, tp)
				tp.SetFile(composeFile, []byte(composeYAML+"    ports: [\"80:80\"]\n"), 0o644)
			},
			want:      wantOK,
			comment:   "has been updated.",
			changes:   map[string]any{"updated": composeFile},
			installed: true,
		},
		{
			name: "changed definitions without update",
			setup: func(t *testing.T, tp *transportstest.Fake) {
				mustInstall(t, tp)
				tp.SetFile(composeFile, []byte("services: {}\n"), 0o644)
			},
			args:      map[string]any{"update": false},
			want:      wantOK,
			comment:   "Composition " + composeFile + " is already installed.",
			changes:   map[string]any{},
			installed: true,
		},
		{
			name:    "test mode",
			test:    true,
			want:    wantPending,
			comment: "is set to be installed.",
			changes: map[string]any{"installed": composeFile},
		},
		{
			name: "missing compose file",
			setup: func(t *testing.T, tp *transportstest.Fake) {
				if err := tp.Remove(context.Background(), composeFile); err != nil {
					t.Fatal(err)
				}
			},
			want:    wantFailed,
			comment: "Could not find compose file for composition",
			changes: map[string]any{},
		},
		{
			name: "podman-compose fails",
			setup: func(t *testing.T, tp *transportstest.Fake) {
				tp.Reply("podman-compose", "", 1)
			},
			want:    wantFailed,
			changes: map[string]any{},
		},
		{
			name: "no pod generated",
			setup: func(t *testing.T, tp *transportstest.Fake) {
				tp.Reply("podman generate systemd", `{"web_app_1": "[Unit]\n"}`, 0)
			},
			want:    wantFailed,
			comment: "did not create pod_web.service",
			changes: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := &unitHost{}
			tp := composeHost(transportstest.New(), unit, "systemctl")
			if tt.setup != nil {
				tt.setup(t, tp)
			}

			st := composeState("compose.installed", tt.args)
			res, err := composeInstalled(context.Background(), newEnv(tp, tt.test), st)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			wantResult(t, res, tt.want, tt.comment)
			if diff := cmp.Diff(tt.changes, res.Changes); diff != "" {
				t.Errorf("changes mismatch (-want +got):\n%s", diff)
			}
			_, found := tp.File(podUnitPath)
			if found != tt.installed {
				t.Errorf("Expected pod unit installed %v, got %v", tt.installed, found)
			}
			if tt.installed && !unit.enabled {
				t.Error("Expected the pod unit to be enabled")
			}
		})
	}
}

func TestComposeInstalled_WritesUnits(t *testing.T) {
	unit := &unitHost{active: true}
	tp := composeHost(transportstest.New(), unit, "systemctl")
	mustInstall(t, tp)

	pod, _ := tp.File(podUnitPath)
	lines := strings.SplitN(string(pod), "\n", 3)
	if !strings.HasPrefix(lines[0], composeHashHeader) {
		t.Errorf("Expected hash header, got %q", lines[0])
	}
	if lines[1] != composeUnitsHeader+"web_app_1.service" {
		t.Errorf("Expected container unit list, got %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "[Unit]") {
		t.Errorf("Expected generated unit after the headers, got %q", lines[2])
	}
	if _, ok := tp.File(appUnitPath); !ok {
		t.Errorf("Expected %s to be written", appUnitPath)
	}

	for _, want := range []string{
		"systemctl stop pod_web.service",
		"podman-compose -f " + composeFile + " -p web up --no-start --remove-orphans",
		"podman generate systemd --name --new",
		"systemctl daemon-reload",
		"systemctl enable pod_web.service",
	} {
		if !tp.Ran(want) {
			t.Errorf("Expected %q to run, calls: %v", want, tp.Calls())
		}
	}
	if tp.Ran("chown") {
		t.Error("Expected no chown for system units")
	}
}

func TestComposeInstalled_Rootless(t *testing.T) {
	unit := &unitHost{}
	tp := composeHost(lingeringHost(), unit, "systemctl --user")
	st := composeState("compose.installed", map[string]any{"user": "app", "project": "site"})
	tp.Reply("podman generate systemd", `{"pod_site": "[Unit]\n", "site_app_1": "[Unit]\n"}`, 0)

	res, err := composeInstalled(context.Background(), newEnv(tp, false), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "has been installed")

	if _, ok := tp.File("/home/app/.config/systemd/user/pod_site.service"); !ok {
		t.Errorf("Expected the pod unit in the user's unit dir, files: %v", tp.Files())
	}
	for _, want := range []string{
		"app: podman-compose -f " + composeFile + " -p site up",
		"app: podman generate systemd",
		"chown app: /home/app/.config/systemd/user/pod_site.service",
		"app: systemctl --user enable pod_site.service",
	} {
		if !tp.Ran(want) {
			t.Errorf("Expected %q to run, calls: %v", want, tp.Calls())
		}
	}
}

func TestComposeRemoved(t *testing.T) {
	tests := []struct {
		name      string
		installed bool
		args      map[string]any
		test      bool
		want      *bool
		comment   string
		changes   map[string]any
	}{
		{
			name:      "remove with volumes",
			installed: true,
			args:      map[string]any{"volumes": true},
			want:      wantOK,
			comment:   "has been removed. Volumes have been removed as well.",
			changes:   map[string]any{"removed": composeFile},
		},
		{
			name:    "already absent",
			want:    wantOK,
			comment: "Composition " + composeFile + " is already absent.",
			changes: map[string]any{},
		},
		{
			name:      "test mode",
			installed: true,
			test:      true,
			want:      wantPending,
			comment:   "Composition " + composeFile + " is set to be removed.",
			changes:   map[string]any{"removed": composeFile},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := &unitHost{}
			tp := composeHost(transportstest.New(), unit, "systemctl")
			if tt.installed {
				mustInstall(t, tp)
				unit.active = true
			}

			st := composeState("compose.removed", tt.args)
			res, err := composeRemoved(context.Background(), newEnv(tp, tt.test), st)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			wantResult(t, res, tt.want, tt.comment)
			if diff := cmp.Diff(tt.changes, res.Changes); diff != "" {
				t.Errorf("changes mismatch (-want +got):\n%s", diff)
			}

			removed := tt.installed && !tt.test
			if _, ok := tp.File(podUnitPath); ok == removed && tt.installed {
				t.Errorf("Expected pod unit removed %v", removed)
			}
			if removed {
				if _, ok := tp.File(appUnitPath); ok {
					t.Error("Expected container unit to be removed")
				}
				if unit.active || unit.enabled {
					t.Errorf("Expected pod unit stopped and disabled, got %+v", *unit)
				}
				if !tp.Ran("podman-compose -f " + composeFile + " -p web down --volumes") {
					t.Errorf("Expected podman-compose down, calls: %v", tp.Calls())
				}
			}
		})
	}
}

func TestComposeRemoved_MissingFile(t *testing.T) {
	tp := transportstest.New()
	res, err := composeRemoved(context.Background(), newEnv(tp, false), composeState("compose.removed", nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "Assuming it has been removed.")
}

func TestComposeRunning(t *testing.T) {
	tests := []struct {
		name      string
		installed bool
		unit      unitHost
		fn        func(context.Context, *engine.Env, engine.State) (*engine.Result, error)
		test      bool
		want      *bool
		comment   string
		changes   map[string]any
		active    bool
	}{
		{
			name:      "start",
			installed: true,
			fn:        composeRunning,
			want:      wantOK,
			comment:   "Service pod_web.service has been started.",
			changes:   map[string]any{"started": "pod_web.service"},
			active:    true,
		},
		{
			name:      "already running",
			installed: true,
			unit:      unitHost{active: true},
			fn:        composeRunning,
			want:      wantOK,
			comment:   "is in the correct state.",
			changes:   map[string]any{},
			active:    true,
		},
		{
			name:    "not installed",
			fn:      composeRunning,
			want:    wantFailed,
			comment: "Could not find any units belonging to composition",
			changes: map[string]any{},
		},
		{
			name:    "not installed in test mode",
			fn:      composeRunning,
			test:    true,
			want:    wantPending,
			comment: "Service for " + composeFile + " is set to be started.",
			changes: map[string]any{"started": composeFile},
		},
		{
			name:      "stop",
			installed: true,
			unit:      unitHost{active: true},
			fn:        composeDead,
			want:      wantOK,
			comment:   "Service pod_web.service has been stopped.",
			changes:   map[string]any{"stopped": "pod_web.service"},
		},
		{
			name:    "dead when not installed",
			fn:      composeDead,
			want:    wantOK,
			comment: "is already stopped.",
			changes: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := &unitHost{}
			tp := composeHost(transportstest.New(), unit, "systemctl")
			if tt.installed {
				mustInstall(t, tp)
			}
			unit.active = tt.unit.active

			st := composeState("compose.running", map[string]any{"timeout": 0})
			res, err := tt.fn(context.Background(), newEnv(tp, tt.test), st)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			wantResult(t, res, tt.want, tt.comment)
			if diff := cmp.Diff(tt.changes, res.Changes); diff != "" {
				t.Errorf("changes mismatch (-want +got):\n%s", diff)
			}
			if res.Name != composeFile {
				t.Errorf("Expected result named %s, got %s", composeFile, res.Name)
			}
			if unit.active != tt.active {
				t.Errorf("Expected active %v, got %v", tt.active, unit.active)
			}
		})
	}
}

func TestComposeEnabled(t *testing.T) {
	unit := &unitHost{}
	tp := composeHost(transportstest.New(), unit, "systemctl")
	st := composeState("compose.installed", map[string]any{"enable": false})
	if _, err := composeInstalled(context.Background(), newEnv(tp, false), st); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if unit.enabled {
		t.Fatal("Expected install with enable false to leave the unit disabled")
	}

	res, err := composeEnabled(context.Background(), newEnv(tp, false), composeState("compose.enabled", nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "Service pod_web.service has been enabled.")
	if !unit.enabled {
		t.Error("Expected the pod unit to be enabled")
	}

	res, err = composeDisabled(context.Background(), newEnv(tp, false), composeState("compose.disabled", nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "Service pod_web.service has been disabled.")
	if unit.enabled {
		t.Error("Expected the pod unit to be disabled")
	}
}

func TestComposeModWatch(t *testing.T) {
	t.Run("running restarts", func(t *testing.T) {
		unit := &unitHost{}
		tp := composeHost(transportstest.New(), unit, "systemctl")
		mustInstall(t, tp)
		unit.active = true

		res, err := composeModWatch(context.Background(), newEnv(tp, false), composeState("compose.running", map[string]any{"timeout": 0}))
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		wantResult(t, res, wantOK, "Service was restarted.")
		if !tp.Ran("systemctl restart pod_web.service") {
			t.Errorf("Expected restart, calls: %v", tp.Calls())
		}
	})

	t.Run("installed recreates", func(t *testing.T) {
		unit := &unitHost{}
		tp := composeHost(transportstest.New(), unit, "systemctl")
		mustInstall(t, tp)

		res, err := composeModWatch(context.Background(), newEnv(tp, false), composeState("compose.installed", nil))
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		wantResult(t, res, wantOK, "Composition was recreated.")
		if diff := cmp.Diff(map[string]any{"recreated": composeFile}, res.Changes); diff != "" {
			t.Errorf("changes mismatch (-want +got):\n%s", diff)
		}
		if !tp.Ran("podman-compose -f " + composeFile + " -p web up --no-start --remove-orphans --force-recreate") {
			t.Errorf("Expected forced recreation, calls: %v", tp.Calls())
		}
	})

	t.Run("dead in test mode", func(t *testing.T) {
		unit := &unitHost{}
		tp := composeHost(transportstest.New(), unit, "systemctl")
		mustInstall(t, tp)
		unit.active = true

		res, err := composeModWatch(context.Background(), newEnv(tp, true), composeState("compose.dead", nil))
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		wantResult(t, res, wantPending, "Service is set to be stopped.")
		if !unit.active {
			t.Error("Expected test mode to leave the pod running")
		}
	})
}
