package formula

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/mapstack"
	"github.com/openfroyo/podform/pkg/tofs"
)

// Unit is one part of the formula.
type Unit string

const (
	UnitPackage    Unit = "package"
	UnitConfig     Unit = "config"
	UnitService    Unit = "service"
	UnitUsers      Unit = "users"
	UnitSecrets    Unit = "secrets"
	UnitContainers Unit = "containers"
	UnitCompose    Unit = "compose"
	UnitClean      Unit = "clean"
)

// DefaultUnits are the units rendered when none are requested, in
// declaration order.
var DefaultUnits = []Unit{UnitPackage, UnitConfig, UnitService, UnitUsers, UnitSecrets, UnitContainers, UnitCompose}

// ParseUnit checks a unit name.
func ParseUnit(s string) (Unit, error) {
	if s == string(UnitClean) {
		return UnitClean, nil
	}
	for _, u := range DefaultUnits {
		if string(u) == s {
			return u, nil
		}
	}
	return "", fmt.Errorf("unknown unit %q", s)
}

const managedHeader = "# This file is managed by podform. Local changes will be overwritten.\n\n"

const defaultPolicySource = "policy.json"

// renderer builds the states of one topic. IDs follow
// "<topic>-<unit>-<object>-<function>".
type renderer struct {
	topic  string
	params *Params
	config mapstack.Lookup
	tofs   tofs.Settings
}

// Render returns the states of the requested units, in unit order, with
// requisites between units resolved. Requisites on units that were not
// rendered are dropped so a single unit can be applied on its own.
func Render(topic string, p *Params, config mapstack.Lookup, ts tofs.Settings, units ...Unit) ([]engine.State, error) {
	if len(units) == 0 {
		units = DefaultUnits
	}
	r := &renderer{topic: topic, params: p, config: config, tofs: ts}

	var states []engine.State
	for _, u := range units {
		var rendered []engine.State
		var err error
		switch u {
		case UnitPackage:
			rendered = r.pkg()
		case UnitConfig:
			rendered, err = r.configFiles()
		case UnitService:
			rendered = r.service()
		case UnitUsers:
			rendered = r.users()
		case UnitSecrets:
			rendered = r.secrets()
		case UnitContainers:
			rendered = r.containers()
		case UnitCompose:
			rendered = r.compose()
		case UnitClean:
			rendered = r.clean()
		default:
			return nil, fmt.Errorf("unknown unit %q", u)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", u, err)
		}
		states = append(states, rendered...)
	}
	return prune(states), nil
}

// prune drops requisites naming states that are not part of the list.
func prune(states []engine.State) []engine.State {
	ids := make(map[string]bool, len(states))
	for _, st := range states {
		ids[st.ID] = true
	}
	keep := func(list []string) []string {
		var out []string
		for _, id := range list {
			if ids[id] {
				out = append(out, id)
			}
		}
		return out
	}
	for i := range states {
		states[i].Require = keep(states[i].Require)
		states[i].Watch = keep(states[i].Watch)
		states[i].OnChanges = keep(states[i].OnChanges)
	}
	return states
}

func (r *renderer) id(parts ...string) string {
	id := r.topic
	for _, p := range parts {
		id += "-" + p
	}
	return id
}

func (r *renderer) pkgID() string { return r.id("package", "install", "pkg", "installed") }

func (r *renderer) pkgExtraID() string { return r.id("package", "install", "extra", "pkg", "installed") }

func (r *renderer) serviceID() string { return r.id("service", "running", "service", "running") }

func (r *renderer) lingerID(user string) string { return r.id("users", user, "lingering", "managed") }

func (r *renderer) socketID(user string) string { return r.id("users", user, "socket", "running") }

func (r *renderer) secretID(name, fn string) string { return r.id("secrets", name, fn) }

func (r *renderer) containerID(name, fn string) string { return r.id("containers", name, fn) }

func (r *renderer) composeID(project string, fn ...string) string {
	return r.id(append([]string{"compose", project}, fn...)...)
}

func (r *renderer) pkg() []engine.State {
	lookup := r.params.Lookup.Pkg
	fn := "pkg.installed"
	args := map[string]any{}
	switch r.params.Version {
	case "":
	case "latest":
		fn = "pkg.latest"
	default:
		args["version"] = r.params.Version
	}

	states := []engine.State{{
		ID:       r.pkgID(),
		Function: fn,
		Name:     lookup.Name,
		Args:     args,
	}}
	if len(lookup.Extra) > 0 {
		states = append(states, engine.State{
			ID:       r.pkgExtraID(),
			Function: "pkg.installed",
			Name:     lookup.Name + "-extra",
			Args:     map[string]any{"pkgs": append([]string(nil), lookup.Extra...)},
			Require:  []string{r.pkgID()},
		})
	}
	return states
}

// configFile is one TOML file of the config unit.
type configFile struct {
	key     string
	path    string
	section map[string]any
}

func (r *renderer) configFileList() []configFile {
	p := r.params
	return []configFile{
		{key: "containers-conf", path: p.Lookup.Paths.ContainersConf, section: p.Config.Containers},
		{key: "registries-conf", path: p.Lookup.Paths.RegistriesConf, section: p.Config.Registries},
		{key: "storage-conf", path: p.Lookup.Paths.StorageConf, section: p.Config.Storage},
	}
}

func (r *renderer) configID(key string) string { return r.id("config", "file", key, "managed") }

// configIDs returns the IDs of the managed config files.
func (r *renderer) configIDs() []string {
	var ids []string
	for _, f := range r.configFileList() {
		if len(f.section) > 0 {
			ids = append(ids, r.configID(f.key))
		}
	}
	if r.params.PolicyJSON.Managed {
		ids = append(ids, r.configID("policy-json"))
	}
	return ids
}

func (r *renderer) configFiles() ([]engine.State, error) {
	var states []engine.State
	for _, f := range r.configFileList() {
		if len(f.section) == 0 {
			continue
		}
		contents, err := renderTOML(f.section)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.path, err)
		}
		states = append(states, engine.State{
			ID:       r.configID(f.key),
			Function: "file.managed",
			Name:     f.path,
			Args:     r.fileArgs(map[string]any{"contents": contents}),
			Require:  []string{r.pkgID()},
		})
	}

	if pj := r.params.PolicyJSON; pj.Managed {
		source := pj.Source
		if source == "" {
			source = defaultPolicySource
		}
		candidates := r.tofs.Candidates(r.config, []string{source}, "policy_json")
		states = append(states, engine.State{
			ID:       r.configID("policy-json"),
			Function: "file.managed",
			Name:     r.params.Lookup.Paths.PolicyJSON,
			Args:     r.fileArgs(map[string]any{"source": candidates}),
			Require:  []string{r.pkgID()},
		})
	}
	return states, nil
}

func (r *renderer) fileArgs(args map[string]any) map[string]any {
	group := r.params.Lookup.Rootgroup
	if group == "" {
		group = "root"
	}
	args["mode"] = "0644"
	args["user"] = "root"
	args["group"] = group
	args["makedirs"] = true
	return args
}

// renderTOML renders a config section. Keys are sorted.
func renderTOML(section map[string]any) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(managedHeader)
	if err := toml.NewEncoder(&buf).Encode(section); err != nil {
		return "", fmt.Errorf("failed to render TOML: %w", err)
	}
	return buf.String(), nil
}

func (r *renderer) service() []engine.State {
	enable := r.params.Service.Enable == nil || *r.params.Service.Enable
	return []engine.State{{
		ID:       r.serviceID(),
		Function: "service.running",
		Name:     r.params.Lookup.Service.Name,
		Args:     map[string]any{"enable": enable},
		Require:  []string{r.pkgID()},
		Watch:    r.configIDs(),
	}}
}

func (r *renderer) users() []engine.State {
	users := r.params.userParams()
	var states []engine.State
	for _, name := range sortedKeys(users) {
		u := users[name]
		states = append(states, engine.State{
			ID:       r.lingerID(name),
			Function: "user_service.lingering_managed",
			Name:     name,
			Args:     map[string]any{"enable": u.linger()},
			Require:  []string{r.pkgID()},
		})
		if !u.socket() {
			continue
		}
		states = append(states, engine.State{
			ID:       r.socketID(name),
			Function: "user_service.running",
			Name:     r.params.Lookup.Service.Name,
			Args:     map[string]any{"user": name, "enable": true},
			Require:  []string{r.lingerID(name)},
			Watch:    r.configIDs(),
		})
	}
	return states
}

// runtimeRequisite is the state a container or secret of user needs: the
// system socket for root, the user's socket otherwise.
func (r *renderer) runtimeRequisite(user string) []string {
	if user == "" {
		return []string{r.serviceID()}
	}
	if r.params.userParams()[user].socket() {
		return []string{r.socketID(user)}
	}
	return []string{r.lingerID(user)}
}

func (r *renderer) secrets() []engine.State {
	var states []engine.State
	for _, name := range sortedKeys(r.params.Secrets) {
		s := r.params.Secrets[name]
		if s.Absent {
			args := map[string]any{}
			if s.User != "" {
				args["user"] = s.User
			}
			states = append(states, engine.State{
				ID:       r.secretID(name, "absent"),
				Function: "podman.secret_absent",
				Name:     name,
				Args:     args,
				Require:  r.runtimeRequisite(s.User),
			})
			continue
		}

		args := map[string]any{"data": *s.Data, "overwrite": s.Overwrite}
		if s.Driver != "" {
			args["driver"] = s.Driver
		}
		if s.User != "" {
			args["user"] = s.User
		}
		states = append(states, engine.State{
			ID:       r.secretID(name, "present"),
			Function: "podman.secret_present",
			Name:     name,
			Args:     args,
			Require:  r.runtimeRequisite(s.User),
		})
	}
	return states
}

func (r *renderer) containers() []engine.State {
	var states []engine.State
	for _, name := range sortedKeys(r.params.Containers) {
		c := r.params.Containers[name]
		state := c.State
		if state == "" {
			state = "running"
		}

		args := map[string]any{}
		if c.User != "" {
			args["user"] = c.User
		}
		st := engine.State{
			ID:       r.containerID(name, state),
			Function: "podman." + state,
			Name:     name,
			Args:     args,
			Require:  r.runtimeRequisite(c.User),
		}
		if state != "absent" {
			args["image"] = c.Image
			setList(args, "command", []string(c.Command))
			setMap(args, "env", c.Env)
			setMap(args, "secret_env", c.SecretEnv)
			setList(args, "ports", c.Ports)
			setList(args, "volumes", c.Volumes)
			setMap(args, "labels", c.Labels)
			if c.RunAs != "" {
				args["run_as"] = c.RunAs
			}
			if c.Remove {
				args["remove"] = true
			}
		}
		switch state {
		case "running":
			// A changed secret restarts the container.
			st.Watch = r.secretsUsedBy(c)
		case "present", "dead":
			st.Require = append(st.Require, r.secretsUsedBy(c)...)
		}
		states = append(states, st)
	}
	return states
}

// secretsUsedBy returns the secret states a container reads from.
func (r *renderer) secretsUsedBy(c ContainerParams) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, env := range sortedKeys(c.SecretEnv) {
		secret := c.SecretEnv[env]
		s, ok := r.params.Secrets[secret]
		if !ok || s.Absent || s.User != c.User || seen[secret] {
			continue
		}
		seen[secret] = true
		ids = append(ids, r.secretID(secret, "present"))
	}
	return ids
}

// compose installs each project's units, then drives the pod to its
// state. A project with contents gets its compose file managed first.
func (r *renderer) compose() []engine.State {
	var states []engine.State
	for _, project := range sortedKeys(r.params.Compose) {
		c := r.params.Compose[project]
		state := c.State
		if state == "" {
			state = "running"
		}
		args := func() map[string]any {
			a := map[string]any{"project": project}
			if c.User != "" {
				a["user"] = c.User
			}
			return a
		}
		require := r.runtimeRequisite(c.User)

		if state == "absent" {
			a := args()
			a["volumes"] = c.Volumes
			states = append(states, engine.State{
				ID:       r.composeID(project, "removed"),
				Function: "compose.removed",
				Name:     c.File,
				Args:     a,
				Require:  require,
			})
			continue
		}

		if c.Contents != nil {
			fa := map[string]any{"contents": *c.Contents, "mode": "0644", "makedirs": true}
			if c.User != "" {
				fa["user"] = c.User
			}
			fileID := r.composeID(project, "file", "managed")
			states = append(states, engine.State{
				ID:       fileID,
				Function: "file.managed",
				Name:     c.File,
				Args:     fa,
				Require:  require,
			})
			require = append(require, fileID)
		}

		installID := r.composeID(project, "installed")
		ia := args()
		if c.Enable != nil {
			ia["enable"] = *c.Enable
		}
		if c.RemoveOrphans != nil {
			ia["remove_orphans"] = *c.RemoveOrphans
		}
		states = append(states, engine.State{
			ID:       installID,
			Function: "compose.installed",
			Name:     c.File,
			Args:     ia,
			Require:  require,
		})
		if state == "installed" {
			continue
		}
		states = append(states, engine.State{
			ID:       r.composeID(project, state),
			Function: "compose." + state,
			Name:     c.File,
			Args:     args(),
			Require:  []string{installID},
		})
	}
	return states
}

// clean removes what the other units create, in reverse order.
func (r *renderer) clean() []engine.State {
	var states []engine.State
	var containerIDs []string
	for _, name := range sortedKeys(r.params.Containers) {
		c := r.params.Containers[name]
		args := map[string]any{"remove_volumes": true}
		if c.User != "" {
			args["user"] = c.User
		}
		id := r.id("containers", name, "clean", "absent")
		containerIDs = append(containerIDs, id)
		states = append(states, engine.State{
			ID:       id,
			Function: "podman.absent",
			Name:     name,
			Args:     args,
		})
	}

	var secretIDs []string
	for _, name := range sortedKeys(r.params.Secrets) {
		s := r.params.Secrets[name]
		args := map[string]any{}
		if s.User != "" {
			args["user"] = s.User
		}
		id := r.id("secrets", name, "clean", "absent")
		secretIDs = append(secretIDs, id)
		states = append(states, engine.State{
			ID:       id,
			Function: "podman.secret_absent",
			Name:     name,
			Args:     args,
			Require:  containerIDs,
		})
	}

	var composeIDs []string
	for _, project := range sortedKeys(r.params.Compose) {
		c := r.params.Compose[project]
		args := map[string]any{"project": project, "volumes": true}
		if c.User != "" {
			args["user"] = c.User
		}
		id := r.composeID(project, "clean", "removed")
		composeIDs = append(composeIDs, id)
		states = append(states, engine.State{
			ID:       id,
			Function: "compose.removed",
			Name:     c.File,
			Args:     args,
		})
	}

	runtimeUsers := append(append(append([]string(nil), containerIDs...), secretIDs...), composeIDs...)
	var stopIDs []string
	users := r.params.userParams()
	for _, name := range sortedKeys(users) {
		if !users[name].socket() {
			continue
		}
		id := r.id("users", name, "socket", "clean", "dead")
		stopIDs = append(stopIDs, id)
		states = append(states, engine.State{
			ID:       id,
			Function: "user_service.dead",
			Name:     r.params.Lookup.Service.Name,
			Args:     map[string]any{"user": name, "enable": false},
			Require:  runtimeUsers,
		})
	}

	serviceID := r.id("service", "clean", "service", "dead")
	stopIDs = append(stopIDs, serviceID)
	states = append(states, engine.State{
		ID:       serviceID,
		Function: "service.dead",
		Name:     r.params.Lookup.Service.Name,
		Args:     map[string]any{"enable": false},
		Require:  runtimeUsers,
	})

	var fileIDs []string
	paths := []struct{ key, path string }{
		{"containers-conf", r.params.Lookup.Paths.ContainersConf},
		{"registries-conf", r.params.Lookup.Paths.RegistriesConf},
		{"storage-conf", r.params.Lookup.Paths.StorageConf},
	}
	if r.params.PolicyJSON.Managed {
		paths = append(paths, struct{ key, path string }{"policy-json", r.params.Lookup.Paths.PolicyJSON})
	}
	for _, f := range paths {
		id := r.id("config", "clean", "file", f.key, "absent")
		fileIDs = append(fileIDs, id)
		states = append(states, engine.State{
			ID:       id,
			Function: "file.absent",
			Name:     f.path,
			Require:  stopIDs,
		})
	}

	pkgs := append([]string{r.params.Lookup.Pkg.Name}, r.params.Lookup.Pkg.Extra...)
	states = append(states, engine.State{
		ID:       r.id("package", "clean", "pkg", "removed"),
		Function: "pkg.removed",
		Name:     r.params.Lookup.Pkg.Name,
		Args:     map[string]any{"pkgs": pkgs},
		Require:  fileIDs,
	})
	return states
}

func setList[V any](args map[string]any, key string, v []V) {
	if len(v) > 0 {
		args[key] = v
	}
}

func setMap[V any](args map[string]any, key string, v map[string]V) {
	if len(v) > 0 {
		args[key] = v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
