package tofs

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/podform/pkg/mapstack"
)

func TestCandidates_Defaults(t *testing.T) {
	grains := mapstack.MapLookup{"id": "host1", "os_family": "Debian"}
	s := FromMapdata("podman", map[string]any{})

	got := s.Candidates(grains, []string{"containers.conf"}, "config")
	want := []string{
		"podman/files/host1/containers.conf",
		"podman/files/Debian/containers.conf",
		"podman/files/default/containers.conf",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Candidates() mismatch (-want +got):\n%s", diff)
	}
}

func TestCandidates_Overrides(t *testing.T) {
	mapdata := map[string]any{
		"tofs": map[string]any{
			"path_prefix":  "site",
			"dirs":         map[string]any{"files": "overrides", "default": "base"},
			"files_switch": []any{"roles", "missing_grain"},
			"source_files": map[string]any{
				"config": []any{"containers-custom.conf", "containers.conf"},
			},
		},
	}
	config := mapstack.MapLookup{"roles": []any{"web", "db"}}
	s := FromMapdata("podman", mapdata)

	got := s.Candidates(config, []string{"containers.conf"}, "config")
	want := []string{
		"site/overrides/web/containers-custom.conf",
		"site/overrides/web/containers.conf",
		"site/overrides/db/containers-custom.conf",
		"site/overrides/db/containers.conf",
		"site/overrides/missing_grain/containers-custom.conf",
		"site/overrides/missing_grain/containers.conf",
		"site/overrides/base/containers-custom.conf",
		"site/overrides/base/containers.conf",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Candidates() mismatch (-want +got):\n%s", diff)
	}
}

func TestCandidates_SkipsUnsafeSwitchValues(t *testing.T) {
	grains := mapstack.MapLookup{"id": "../../etc", "os_family": "RedHat"}
	s := FromMapdata("podman", nil)

	got := s.Candidates(grains, []string{"storage.conf"}, "config")
	want := []string{
		"podman/files/RedHat/storage.conf",
		"podman/files/default/storage.conf",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Candidates() mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve(t *testing.T) {
	fsys := fstest.MapFS{
		"podman/files/Debian/containers.conf":  {Data: []byte("debian")},
		"podman/files/default/containers.conf": {Data: []byte("default")},
	}
	candidates := []string{
		"podman/files/host1/containers.conf",
		"podman/files/Debian/containers.conf",
		"podman/files/default/containers.conf",
	}

	got, err := Resolve(fsys, candidates)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "podman/files/Debian/containers.conf" {
		t.Errorf("Resolve() = %q", got)
	}

	if _, err := Resolve(fsys, []string{"podman/files/host1/registries.conf"}); !errors.Is(err, ErrNoSource) {
		t.Errorf("Expected ErrNoSource, got %v", err)
	}
}
