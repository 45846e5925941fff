// Package config holds podform's runtime configuration and the formula-level
// configuration hooks.
//
// # Runtime configuration
//
// Runtime is read from podform.yaml (yaml.v3) over DefaultRuntime, then
// PODFORM_* environment variables are applied and the result is validated
// with go-playground/validator. Command-line flags are applied by the CLI
// after LoadRuntime returns.
//
//	rt, err := config.LoadRuntime("podform.yaml", false)
//	pillar, err := config.LoadDataFiles(rt.PillarFiles)
//
// # Mapdata schemas
//
// SchemaRegistry validates resolved mapdata against CUE definitions. The
// podman topic is checked against #Podman, which requires the package and
// service lookups and constrains containers, secrets and users.
//
// # Post-map hook
//
// StarlarkHook runs a formula's post-map.star after the parameter layers are
// merged. The script defines post_map(mapdata, grains) and returns the
// updated dict. Execution is cancelled when the context ends or the timeout
// passes.
package config
