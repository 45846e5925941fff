package states

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/transports"
	"github.com/openfroyo/podform/pkg/transports/transportstest"
)

// aptHost fakes dpkg for a set of installed packages.
func aptHost(installed map[string]string) *transportstest.Fake {
	tp := transportstest.New()
	tp.On("dpkg-query", func(cmd transports.Command) transportstest.Reply {
		pkg := cmd.Args[len(cmd.Args)-1]
		if v, ok := installed[pkg]; ok {
			return transportstest.Reply{Stdout: "install ok installed\t" + v}
		}
		return transportstest.Reply{Stderr: "dpkg-query: no packages found matching " + pkg, ExitCode: 1}
	})
	tp.On("apt-get -q -y install", func(cmd transports.Command) transportstest.Reply {
		for _, arg := range cmd.Args[3:] {
			if arg != "--only-upgrade" {
				name, _, _ := strings.Cut(arg, "=")
				installed[name] = "4.9.3+ds1-1"
			}
		}
		return transportstest.Reply{}
	})
	tp.On("apt-get -q -y remove", func(cmd transports.Command) transportstest.Reply {
		for _, arg := range cmd.Args[3:] {
			delete(installed, arg)
		}
		return transportstest.Reply{}
	})
	return tp
}

func TestPkgInstalled(t *testing.T) {
	tests := []struct {
		name      string
		installed map[string]string
		args      map[string]any
		test      bool
		want      *bool
		comment   string
		changes   map[string]any
	}{
		{
			name:      "already installed",
			installed: map[string]string{"podman": "4.3.1+ds1-8"},
			want:      wantOK,
			comment:   "All specified packages are already installed",
			changes:   map[string]any{},
		},
		{
			name:      "installs",
			installed: map[string]string{},
			want:      wantOK,
			comment:   "The following packages were installed/updated: podman",
			changes:   map[string]any{"podman": map[string]any{"old": "", "new": "4.9.3+ds1-1"}},
		},
		{
			name:      "installs only missing of several",
			installed: map[string]string{"podman": "4.3.1+ds1-8"},
			args:      map[string]any{"pkgs": []any{"podman", "podman-compose"}},
			want:      wantOK,
			comment:   "The following packages were installed/updated: podman-compose",
			changes:   map[string]any{"podman-compose": map[string]any{"old": "", "new": "4.9.3+ds1-1"}},
		},
		{
			name:      "test mode",
			installed: map[string]string{},
			test:      true,
			want:      wantPending,
			comment:   "The following packages would be installed/updated: podman",
			changes:   map[string]any{"podman": map[string]any{"old": "", "new": "installed"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := aptHost(tt.installed)
			st := engine.State{ID: "podman", Function: "pkg.installed", Args: tt.args}
			res, err := pkgInstalled(context.Background(), newEnv(tp, tt.test), st)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			wantResult(t, res, tt.want, tt.comment)
			if diff := cmp.Diff(tt.changes, res.Changes); diff != "" {
				t.Errorf("changes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPkgInstalled_Pinned(t *testing.T) {
	tp := aptHost(map[string]string{"podman": "4.3.1+ds1-8"})
	st := engine.State{ID: "podman", Function: "pkg.installed", Args: map[string]any{"version": "4.9.3+ds1-1"}}

	res, err := pkgInstalled(context.Background(), newEnv(tp, false), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "installed/updated: podman")
	if !tp.Ran("apt-get -q -y install podman=4.9.3+ds1-1") {
		t.Errorf("Expected pinned install, got calls %v", tp.Calls())
	}
}

func TestPkgRemoved(t *testing.T) {
	installed := map[string]string{"podman": "4.3.1+ds1-8"}
	tp := aptHost(installed)
	st := engine.State{ID: "podman", Function: "pkg.removed"}

	res, err := pkgRemoved(context.Background(), newEnv(tp, false), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "The following packages were removed: podman")
	if diff := cmp.Diff(map[string]any{"podman": map[string]any{"old": "4.3.1+ds1-8", "new": ""}}, res.Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	res, err = pkgRemoved(context.Background(), newEnv(tp, false), st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "All specified packages are already absent")
}

func TestPkgLatest_DNF(t *testing.T) {
	tp := transportstest.New()
	version := "4.9.4-1.fc40"
	tp.On("rpm -q", func(transports.Command) transportstest.Reply {
		return transportstest.Reply{Stdout: version}
	})
	tp.Reply("dnf -q check-update podman", "podman.x86_64 5.0.2-1.fc40 updates\n", 100)
	tp.On("dnf -q -y upgrade podman", func(transports.Command) transportstest.Reply {
		version = "5.0.2-1.fc40"
		return transportstest.Reply{}
	})

	env := newEnv(tp, false)
	env.Grains = map[string]any{"os_family": "RedHat", "os": "Fedora", "osmajorrelease": 40}
	st := engine.State{ID: "podman", Function: "pkg.latest"}

	res, err := pkgLatest(context.Background(), env, st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "successfully installed/upgraded: podman")
	want := map[string]any{"podman": map[string]any{"old": "4.9.4-1.fc40", "new": "5.0.2-1.fc40"}}
	if diff := cmp.Diff(want, res.Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	tp.Reply("dnf -q check-update podman", "", 0)
	res, err = pkgLatest(context.Background(), env, st)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantResult(t, res, wantOK, "All packages are up-to-date (podman).")
}

func TestPackageManagerFor(t *testing.T) {
	tests := []struct {
		grains  map[string]any
		want    string
		wantErr bool
	}{
		{grains: map[string]any{"os_family": "Debian"}, want: "apt"},
		{grains: map[string]any{"os_family": "RedHat", "os": "CentOS", "osmajorrelease": 7}, want: "yum"},
		{grains: map[string]any{"os_family": "RedHat", "os": "Rocky", "osmajorrelease": 9}, want: "dnf"},
		{grains: map[string]any{"os_family": "Suse"}, want: "zypper"},
		{grains: map[string]any{"os_family": "Arch"}, want: "pacman"},
		{grains: map[string]any{"os_family": "Windows"}, wantErr: true},
	}

	for _, tt := range tests {
		pm, err := packageManagerFor(tt.grains)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Expected error for %v, got nil", tt.grains)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if pm.name != tt.want {
			t.Errorf("Expected %s for %v, got %s", tt.want, tt.grains, pm.name)
		}
	}
}
