package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		imagePinnedPolicy(),
		rootlessPortsPolicy(),
		secretDataPolicy(),
		shortNameRegistriesPolicy(),
		socketDisabledPolicy(),
	}
}

// imagePinnedPolicy flags containers whose image floats.
func imagePinnedPolicy() Policy {
	return Policy{
		Name:        "image-pinned",
		Description: "Container images must be pinned to a tag other than latest or to a digest",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"containers", "reproducibility"},
		Rego: `package podform.policies.images

import rego.v1

deny contains violation if {
	some st in input.states
	st.function in {"podman.running", "podman.present", "podman.dead"}
	image := st.args.image
	not pinned(image)
	violation := {
		"message": sprintf("container %s uses unpinned image %s", [st.name, image]),
		"state": st.id,
	}
}

pinned(image) if contains(image, "@sha256:")

pinned(image) if {
	not contains(image, "@")
	tag := image_tag(image)
	tag != "latest"
}

image_tag(image) := tag if {
	parts := split(image, "/")
	last := parts[count(parts) - 1]
	contains(last, ":")
	tag := split(last, ":")[1]
}
`,
	}
}

// rootlessPortsPolicy flags rootless containers binding privileged host
// ports, which podman refuses unless the sysctl floor was lowered.
func rootlessPortsPolicy() Policy {
	return Policy{
		Name:        "rootless-privileged-ports",
		Description: "Rootless containers must not publish host ports below 1024",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"containers", "rootless"},
		Rego: `package podform.policies.ports

import rego.v1

deny contains violation if {
	some st in input.states
	st.function in {"podman.running", "podman.present"}
	user := st.args.user
	user != "root"
	some spec in st.args.ports
	port := host_port(spec)
	port < 1024
	violation := {
		"message": sprintf("rootless container %s of user %s publishes privileged port %d", [st.name, user, port]),
		"state": st.id,
		"port": port,
	}
}

host_port(spec) := to_number(split(parts[0], "-")[0]) if {
	parts := split(split(spec, "/")[0], ":")
	count(parts) == 2
	parts[0] != ""
}

host_port(spec) := to_number(split(parts[1], "-")[0]) if {
	parts := split(split(spec, "/")[0], ":")
	count(parts) == 3
	parts[1] != ""
}
`,
	}
}

// secretDataPolicy flags secrets created without content.
func secretDataPolicy() Policy {
	return Policy{
		Name:        "secret-data",
		Description: "Managed secrets must carry data",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"secrets"},
		Rego: `package podform.policies.secrets

import rego.v1

deny contains violation if {
	some st in input.states
	st.function == "podman.secret_present"
	trim_space(object.get(st.args, "data", "")) == ""
	violation := {
		"message": sprintf("secret %s has no data", [st.name]),
		"state": st.id,
	}
}
`,
	}
}

// shortNameRegistriesPolicy flags short image names that podman cannot
// resolve because no search registry is configured.
func shortNameRegistriesPolicy() Policy {
	return Policy{
		Name:        "short-name-registries",
		Description: "Short image names need unqualified-search-registries in registries.conf",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"containers", "registries"},
		Rego: `package podform.policies.registries

import rego.v1

deny contains violation if {
	no_search_registries
	some st in input.states
	st.function in {"podman.running", "podman.present", "podman.dead"}
	short_name(st.args.image)
	violation := {
		"message": sprintf("image %s of container %s is a short name and no search registry is configured", [st.args.image, st.name]),
		"state": st.id,
	}
}

no_search_registries if {
	regs := object.get(input.mapdata, ["config", "registries", "unqualified-search-registries"], [])
	is_array(regs)
	count(regs) == 0
}

no_search_registries if {
	object.get(input.mapdata, ["config", "registries", "unqualified-search-registries"], []) == null
}

short_name(image) if not contains(image, "/")

short_name(image) if {
	first := split(image, "/")[0]
	not contains(first, ".")
	not contains(first, ":")
	first != "localhost"
}
`,
	}
}

// socketDisabledPolicy flags rootful containers on a host where the podman
// socket is not enabled at boot.
func socketDisabledPolicy() Policy {
	return Policy{
		Name:        "socket-disabled",
		Description: "Rootful containers need the podman socket enabled at boot",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"service"},
		Rego: `package podform.policies.service

import rego.v1

deny contains violation if {
	some svc in input.states
	svc.function == "service.running"
	svc.args.enable == false
	some st in input.states
	st.function == "podman.running"
	not st.args.user
	violation := {
		"message": sprintf("container %s depends on %s which is not enabled at boot", [st.name, svc.name]),
		"state": st.id,
	}
}
`,
	}
}
