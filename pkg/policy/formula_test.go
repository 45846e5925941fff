package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/podform/pkg/formula"
	"github.com/openfroyo/podform/pkg/policy"
)

func TestEnforce_RenderedFormula(t *testing.T) {
	grains := map[string]any{"id": "web01", "os": "Debian", "os_family": "Debian"}
	pillar := map[string]any{
		"podman": map[string]any{
			"containers": map[string]any{
				"proxy": map[string]any{
					"image":  "docker.io/library/caddy",
					"user":   "alice",
					"ports":  []any{"443:443"},
					"labels": map[string]any{"app": "proxy"},
				},
				"api": map[string]any{
					"image": "ghcr.io/example/api:2.1.0",
					"ports": []any{"8080:8080"},
				},
			},
		},
	}

	f, err := formula.New(formula.Options{Grains: grains, Pillar: pillar, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Expected no error creating formula, got: %v", err)
	}
	sts, res, err := f.Render(context.Background())
	if err != nil {
		t.Fatalf("Expected no error rendering, got: %v", err)
	}

	eng, err := policy.NewEngine(zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	input := &policy.PolicyInput{
		Topic:   f.Topic(),
		Host:    "web01",
		Grains:  grains,
		Mapdata: res.Values,
		States:  sts,
		Context: policy.PolicyContext{Operation: "apply"},
	}
	result, err := eng.Enforce(context.Background(), input, policy.ModeEnforcing, "run-1")
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("Expected ErrDenied, got: %v", err)
	}

	if len(result.Violations) != 1 || result.Violations[0].Policy != "rootless-privileged-ports" {
		t.Errorf("Expected one rootless-privileged-ports violation, got %+v", result.Violations)
	}
	if result.Violations[0].State != "podman-containers-proxy-running" {
		t.Errorf("Expected violation on the proxy container, got %s", result.Violations[0].State)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != "image-pinned" {
		t.Errorf("Expected one image-pinned warning, got %+v", result.Warnings)
	}
}
