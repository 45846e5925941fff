// Package engine applies state declarations to a host.
//
// # Overview
//
// A run takes a list of State declarations, each naming a registered state
// function ("pkg.installed", "podman.running", ...) and its arguments, and
// enforces them:
//
//  1. Graph - requisites (require, watch, onchanges) are validated and the
//     states are grouped into levels with Kahn's algorithm
//  2. Apply - levels run in order; the states of a level run in parallel,
//     bounded by RunOptions.Concurrency
//  3. Result - every state yields a Result with changes, a comment and a
//     tri-state result (true, false, or nil for pending changes in test mode)
//
// # Requisites
//
// A state whose require or watch target failed is not run and fails with
// "One or more requisite failed". A state with onchanges runs only when one
// of those states reported changes. When a watched state changed and the
// function registered a ModWatch, ModWatch runs after Apply and its
// changes are merged into the result.
//
// # Errors
//
// State functions report expected failures as results. Returned errors are
// classified; transient ones (dropped connections, timeouts) are retried
// with exponential backoff up to RunOptions.MaxRetries.
//
// # Grains
//
// GrainsCollector derives the host grains (os, os_family, osfinger, ...)
// that parameter files are selected by, from /etc/os-release, uname and
// hostname over the run's transport.
package engine
