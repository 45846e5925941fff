// Package policy checks rendered podman states against Rego policies
// using Open Policy Agent.
//
// Every policy is a Rego module with a deny rule. Its entries are either
// message strings or objects with message, severity and state fields;
// other object fields land in PolicyViolation.Details. The input document
// is a PolicyInput:
//
//	{
//	  "topic":   "podman",
//	  "host":    "web01",
//	  "grains":  {...},
//	  "mapdata": {...},
//	  "states":  [{"id": ..., "function": ..., "name": ..., "args": {...}}, ...],
//	  "context": {"operation": "apply", "test": false, "timestamp": ...}
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, tel.Events)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/podform/policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.Enforce(ctx, input, policy.ModeEnforcing, runID)
//	if errors.Is(err, policy.ErrDenied) {
//	    // result.Violations explains why
//	}
//
// Error and critical violations make a result not allowed. In advisory
// mode they are only logged and published as policy.violation events.
//
// # Built-in Policies
//
//   - image-pinned (warning): container images pinned to a tag other than
//     latest, or to a digest.
//   - rootless-privileged-ports (error): rootless containers publishing
//     host ports below 1024.
//   - secret-data (error): secret_present states with empty data.
//   - short-name-registries (warning): short image names without any
//     unqualified-search-registries.
//   - socket-disabled (info): rootful containers while the podman socket
//     is not enabled at boot.
//
// # Custom Policies
//
// .rego files are named after the file. A leading comment block becomes
// the description, and a "# severity: error" line in it sets the default
// severity (warning otherwise). .json files hold a serialized Policy.
//
//	# Containers must not run privileged.
//	# severity: error
//	package site.privileged
//
//	import rego.v1
//
//	deny contains msg if {
//	    some st in input.states
//	    st.args.privileged
//	    msg := sprintf("%s runs privileged", [st.name])
//	}
//
// Engine.Watch reloads policy directories when files change; a reload
// that fails to compile keeps the previous set.
package policy
