package mapstack

import (
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
)

func TestLoadParamFile_Formats(t *testing.T) {
	fsys := fstest.MapFS{
		"yaml/Debian.yaml": {Data: []byte(`
strategy: overwrite
merge_lists: true
values:
  pkg:
    name: podman
  ports: [80, 443]
`)},
		"json/Debian.json": {Data: []byte(`{"values": {"pkg": {"name": "podman"}}, "strategy": "aggregate"}`)},
		"cue/Debian.cue": {Data: []byte(`
values: {
	pkg: name: "podman"
}
strategy: "recurse"
`)},
		"hcl/Debian.hcl": {Data: []byte(`
values = {
  pkg   = { name = "podman" }
  ports = [80, 443]
  ratio = 0.5
}
merge_lists = true
`)},
	}

	tests := []struct {
		stem       string
		path       string
		strategy   Strategy
		mergeLists bool
		ports      []any
	}{
		{"yaml/Debian", "yaml/Debian.yaml", StrategyOverwrite, true, []any{80, 443}},
		{"json/Debian", "json/Debian.json", StrategyAggregate, false, nil},
		{"cue/Debian", "cue/Debian.cue", StrategyRecurse, false, nil},
		{"hcl/Debian", "hcl/Debian.hcl", StrategySmart, true, []any{80, 443}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			pf, err := LoadParamFile(fsys, tt.stem)
			if err != nil {
				t.Fatalf("LoadParamFile() error = %v", err)
			}
			if pf == nil {
				t.Fatal("Expected a parameter file")
			}
			if pf.Path != tt.path {
				t.Errorf("Path = %q, want %q", pf.Path, tt.path)
			}
			if pf.Strategy != tt.strategy {
				t.Errorf("Strategy = %q, want %q", pf.Strategy, tt.strategy)
			}
			if pf.MergeLists != tt.mergeLists {
				t.Errorf("MergeLists = %v, want %v", pf.MergeLists, tt.mergeLists)
			}

			name, ok := GetPath(pf.Values, "pkg:name", ":")
			if !ok || name != "podman" {
				t.Errorf("pkg:name = %v, %v", name, ok)
			}
			if tt.ports != nil {
				if diff := cmp.Diff(tt.ports, pf.Values["ports"]); diff != "" {
					t.Errorf("ports mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}

	pf, err := LoadParamFile(fsys, "hcl/Debian")
	if err != nil {
		t.Fatalf("LoadParamFile() error = %v", err)
	}
	if ratio := pf.Values["ratio"]; ratio != 0.5 {
		t.Errorf("Expected fractional HCL number to decode as 0.5, got %#v", ratio)
	}
}

func TestLoadParamFile_ExtensionPrecedence(t *testing.T) {
	fsys := fstest.MapFS{
		"os/Fedora.json": {Data: []byte(`{"values": {"from": "json"}}`)},
		"os/Fedora.yml":  {Data: []byte("values:\n  from: yml\n")},
		"os/Fedora.hcl":  {Data: []byte(`values = { from = "hcl" }`)},
	}

	pf, err := LoadParamFile(fsys, "os/Fedora")
	if err != nil {
		t.Fatalf("LoadParamFile() error = %v", err)
	}
	if pf.Values["from"] != "yml" {
		t.Errorf("Expected .yml to win, got %v", pf.Values["from"])
	}
}

func TestLoadParamFile_Missing(t *testing.T) {
	pf, err := LoadParamFile(fstest.MapFS{}, "os_family/Arch")
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if pf != nil {
		t.Errorf("Expected nil for missing file, got %+v", pf)
	}
}

func TestLoadParamFile_Invalid(t *testing.T) {
	tests := map[string]string{
		"values not a mapping":  "values: [a, b]\n",
		"unknown strategy":      "strategy: deep\nvalues: {}\n",
		"merge_lists not bool":  "merge_lists: yes please\n",
		"top level is a list":   "- a\n- b\n",
		"malformed yaml":        "values: {a: [}\n",
		"strategy not a string": "strategy: [recurse]\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			fsys := fstest.MapFS{"bad.yaml": {Data: []byte(content)}}
			if _, err := LoadParamFile(fsys, "bad"); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadParamFile_EmptyDocument(t *testing.T) {
	fsys := fstest.MapFS{"empty.yaml": {Data: []byte("# nothing here\n")}}

	pf, err := LoadParamFile(fsys, "empty")
	if err != nil {
		t.Fatalf("LoadParamFile() error = %v", err)
	}
	if pf.Strategy != StrategySmart || len(pf.Values) != 0 {
		t.Errorf("Expected empty smart layer, got %+v", pf)
	}
}

func TestLoadParamFile_ExtraKeys(t *testing.T) {
	fsys := fstest.MapFS{"x.yaml": {Data: []byte("values: {a: 1}\nnote: kept aside\n")}}

	pf, err := LoadParamFile(fsys, "x")
	if err != nil {
		t.Fatalf("LoadParamFile() error = %v", err)
	}
	if pf.Extra["note"] != "kept aside" {
		t.Errorf("Expected extra key to be preserved, got %v", pf.Extra)
	}
}
