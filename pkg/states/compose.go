package states

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/transports"
)

// Header lines podform writes at the top of a composition's pod unit. The
// hash detects changed definitions, the unit list lets removal find the
// container units that belong to the pod.
const (
	composeHashHeader  = "# podform-compose-hash: "
	composeUnitsHeader = "# podform-compose-units: "
)

const systemUnitDir = "/etc/systemd/system"

type composeArgs struct {
	// Project defaults to the name of the directory holding the file.
	Project string `yaml:"project"`
	// User runs the composition rootless under this account.
	User string `yaml:"user"`
	// Update reinstalls when the definitions changed. Defaults to true.
	Update *bool `yaml:"update"`
	// RemoveOrphans defaults to true.
	RemoveOrphans *bool `yaml:"remove_orphans"`
	ForceRecreate bool  `yaml:"force_recreate"`
	// Enable enables the pod unit after installing. Defaults to true.
	Enable  *bool `yaml:"enable"`
	Volumes bool  `yaml:"volumes"`
	Timeout *int  `yaml:"timeout" validate:"omitempty,gte=0"`
}

func orTrue(b *bool) bool { return b == nil || *b }

// composition is a compose file deployed as podman systemd units.
type composition struct {
	file    string
	project string
	user    string
	uid     int
	dir     string
	sd      *systemd
}

func (c *composition) podUnit() string { return "pod_" + c.project + ".service" }

func (c *composition) unitPath(unit string) string { return path.Join(c.dir, unit) }

// command runs name as the composition's user, inside their runtime dir.
func (c *composition) command(name string, args ...string) transports.Command {
	cmd := transports.Command{Name: name, Args: args}
	if c.user != "" {
		cmd.User = c.user
		cmd.Env = map[string]string{"XDG_RUNTIME_DIR": runtimeDir(c.uid)}
	}
	return cmd
}

func (c *composition) compose(args ...string) transports.Command {
	return c.command("podman-compose", append([]string{"-f", c.file, "-p", c.project}, args...)...)
}

// resolveComposition decodes the arguments of a compose state. The state's
// name is the absolute path of the compose file.
func resolveComposition(ctx context.Context, env *engine.Env, st engine.State) (*composition, composeArgs, error) {
	var args composeArgs
	if err := decodeArgs(st, &args); err != nil {
		return nil, args, err
	}
	file := st.Target()
	if !path.IsAbs(file) {
		return nil, args, fmt.Errorf("Composition %s is not an absolute path", file)
	}
	c := &composition{file: file, project: args.Project, user: args.User, dir: systemUnitDir}
	if c.project == "" {
		c.project = path.Base(path.Dir(file))
	}
	if c.user == "" {
		c.sd = &systemd{}
		return c, args, nil
	}

	acct, err := lookupAccount(ctx, env, c.user)
	if err != nil {
		return nil, args, err
	}
	if acct == nil {
		return nil, args, fmt.Errorf("Could not find user '%s'. Does the account exist?", c.user)
	}
	c.uid = acct.UID
	c.dir = path.Join(acct.Home, ".config/systemd/user")
	sd, err := userSystemd(ctx, env, c.user)
	if err != nil {
		return nil, args, err
	}
	c.sd = sd
	return c, args, nil
}

// definitionsHash hashes the compose file together with the project name.
// A missing file returns an error wrapping fs.ErrNotExist.
func (c *composition) definitionsHash(ctx context.Context, env *engine.Env) (string, error) {
	data, err := env.Transport.ReadFile(ctx, c.file)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(c.project + "\n"))
	sum.Write(data)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// installed reads the headers of the pod unit. A composition that was
// never installed returns an empty hash.
func (c *composition) installed(ctx context.Context, env *engine.Env) (hash string, units []string, err error) {
	data, err := env.Transport.ReadFile(ctx, c.unitPath(c.podUnit()))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, composeHashHeader):
			hash = strings.TrimPrefix(line, composeHashHeader)
		case strings.HasPrefix(line, composeUnitsHeader):
			units = strings.Fields(strings.TrimPrefix(line, composeUnitsHeader))
		}
	}
	if hash == "" {
		// A pod unit podform did not write still counts as installed.
		hash = "unknown"
	}
	return hash, units, nil
}

// install creates the containers with podman-compose, generates systemd
// units for the pod and writes them to the unit directory.
func (c *composition) install(ctx context.Context, env *engine.Env, hash string, args composeArgs, recreate bool) error {
	// podman-compose up conflicts with a pod that systemd is running.
	active, err := c.sd.isActive(ctx, env, c.podUnit())
	if err != nil {
		return err
	}
	if active {
		if err := c.sd.do(ctx, env, "stop", c.podUnit()); err != nil {
			return err
		}
	}

	up := []string{"up", "--no-start"}
	if orTrue(args.RemoveOrphans) {
		up = append(up, "--remove-orphans")
	}
	if recreate || args.ForceRecreate {
		up = append(up, "--force-recreate")
	}
	if _, err := env.Transport.Run(ctx, c.compose(up...)); err != nil {
		return err
	}

	out, err := env.Transport.Run(ctx, c.command("podman", "generate", "systemd",
		"--name", "--new", "--no-header", "--format", "json",
		"--container-prefix=", "--pod-prefix=", "--separator=",
		"pod_"+c.project))
	if err != nil {
		return err
	}
	generated := gjson.Parse(out.Stdout)
	if !generated.IsObject() {
		return fmt.Errorf("Unexpected output from podman generate systemd: %q", out.Stdout)
	}

	units := make(map[string]string)
	generated.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if !strings.HasSuffix(name, ".service") {
			name += ".service"
		}
		units[name] = value.String()
		return true
	})
	pod, ok := units[c.podUnit()]
	if !ok {
		return fmt.Errorf("podman generate systemd did not create %s", c.podUnit())
	}
	delete(units, c.podUnit())
	containers := make([]string, 0, len(units))
	for name := range units {
		containers = append(containers, name)
	}
	sort.Strings(containers)

	if err := env.Transport.MkdirAll(ctx, c.dir, 0o755); err != nil {
		return err
	}
	for _, name := range containers {
		if err := c.writeUnit(ctx, env, name, units[name]); err != nil {
			return err
		}
	}
	header := composeHashHeader + hash + "\n" + composeUnitsHeader + strings.Join(containers, " ") + "\n"
	if err := c.writeUnit(ctx, env, c.podUnit(), header+pod); err != nil {
		return err
	}

	if _, err := env.Transport.Run(ctx, c.sd.command("daemon-reload")); err != nil {
		return err
	}
	if orTrue(args.Enable) {
		return c.sd.do(ctx, env, "enable", c.podUnit())
	}
	return nil
}

func (c *composition) writeUnit(ctx context.Context, env *engine.Env, name, contents string) error {
	p := c.unitPath(name)
	if err := env.Transport.WriteFile(ctx, p, []byte(contents), 0o644); err != nil {
		return err
	}
	if c.user != "" {
		if _, err := run(ctx, env, "chown", c.user+":", p); err != nil {
			return err
		}
	}
	return nil
}

// remove stops the pod, removes the containers and deletes the units.
func (c *composition) remove(ctx context.Context, env *engine.Env, containers []string, volumes bool) error {
	for _, verb := range []string{"stop", "disable"} {
		if err := c.sd.do(ctx, env, verb, c.podUnit()); err != nil {
			return err
		}
	}
	down := []string{"down"}
	if volumes {
		down = append(down, "--volumes")
	}
	if _, err := env.Transport.Run(ctx, c.compose(down...)); err != nil {
		return err
	}
	units := append(append([]string(nil), containers...), c.podUnit())
	sort.Strings(units)
	for _, unit := range units {
		if err := env.Transport.Remove(ctx, c.unitPath(unit)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	_, err := env.Transport.Run(ctx, c.sd.command("daemon-reload"))
	return err
}

func composeInstalled(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	c, args, err := resolveComposition(ctx, env, st)
	if err != nil {
		return fail(res, err)
	}

	want, err := c.definitionsHash(ctx, env)
	if errors.Is(err, fs.ErrNotExist) {
		return fail(res, fmt.Errorf("Could not find compose file for composition %s.", name))
	}
	if err != nil {
		return fail(res, err)
	}
	have, _, err := c.installed(ctx, env)
	if err != nil {
		return fail(res, err)
	}

	if have != "" && !orTrue(args.Update) {
		res.Comment = fmt.Sprintf("Composition %s is already installed.", name)
		return res, nil
	}
	if have == want {
		res.Comment = fmt.Sprintf("Composition %s is already installed and in sync with the definitions.", name)
		return res, nil
	}

	verb := "installed"
	if have != "" {
		verb = "updated"
	}
	res.Changes[verb] = name
	if env.Test {
		return pending(res, fmt.Sprintf("Composition %s is set to be %s.", name, verb))
	}
	if err := c.install(ctx, env, want, args, false); err != nil {
		return fail(res, err)
	}
	res.Comment = fmt.Sprintf("Composition %s has been %s.", name, verb)

	if have, _, err = c.installed(ctx, env); err != nil {
		return fail(res, err)
	}
	if have != want {
		res.Result = engine.Bool(false)
		res.Changes = map[string]any{}
		res.Comment = "Tried to install the composition, but there are still some missing components."
	}
	return res, nil
}

func composeRemoved(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	c, args, err := resolveComposition(ctx, env, st)
	if err != nil {
		return fail(res, err)
	}

	info, err := exists(ctx, env, c.file)
	if err != nil {
		return fail(res, err)
	}
	if info == nil {
		res.Comment = fmt.Sprintf("Could not find compose file for composition %s. Assuming it has been removed.", name)
		return res, nil
	}
	have, containers, err := c.installed(ctx, env)
	if err != nil {
		return fail(res, err)
	}
	if have == "" {
		res.Comment = fmt.Sprintf("Composition %s is already absent.", name)
		return res, nil
	}

	suffix := ""
	res.Changes["removed"] = name
	if env.Test {
		if args.Volumes {
			suffix = " Volumes are set to be removed as well."
		}
		return pending(res, fmt.Sprintf("Composition %s is set to be removed.%s", name, suffix))
	}
	if err := c.remove(ctx, env, containers, args.Volumes); err != nil {
		return fail(res, err)
	}
	if args.Volumes {
		suffix = " Volumes have been removed as well."
	}
	res.Comment = fmt.Sprintf("Composition %s has been removed.%s", name, suffix)

	if have, _, err = c.installed(ctx, env); err != nil {
		return fail(res, err)
	}
	if have != "" {
		res.Result = engine.Bool(false)
		res.Changes = map[string]any{}
		res.Comment = "Tried to remove the composition, but some units are still installed."
	}
	return res, nil
}

// onPodUnit runs a unit state function against the composition's pod
// unit and reports the result under the composition's name. A composition
// that is not installed yet passes in test mode when an earlier state is
// about to install it.
func onPodUnit(ctx context.Context, env *engine.Env, st engine.State, absent func(*engine.Result) (*engine.Result, error),
	apply func(c *composition, unit engine.State, args composeArgs) (*engine.Result, error)) (*engine.Result, error) {
	res := engine.NewResult(st)
	c, args, err := resolveComposition(ctx, env, st)
	if err != nil {
		return fail(res, err)
	}
	have, _, err := c.installed(ctx, env)
	if err != nil {
		return fail(res, err)
	}
	if have == "" {
		return absent(res)
	}

	unit := st
	unit.Name = c.podUnit()
	out, err := apply(c, unit, args)
	if out != nil {
		out.Name = res.Name
	}
	return out, err
}

func notInstalled(env *engine.Env, change, comment string) func(*engine.Result) (*engine.Result, error) {
	return func(res *engine.Result) (*engine.Result, error) {
		if env.Test {
			res.Changes[change] = res.Name
			return pending(res, fmt.Sprintf(comment, res.Name))
		}
		return fail(res, fmt.Errorf("Could not find any units belonging to composition %s.", res.Name))
	}
}

func (a composeArgs) service() serviceArgs {
	return serviceArgs{Timeout: a.Timeout}
}

func composeRunning(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	return onPodUnit(ctx, env, st, notInstalled(env, "started", "Service for %s is set to be started."),
		func(c *composition, unit engine.State, args composeArgs) (*engine.Result, error) {
			return unitState(ctx, env, unit, c.sd, args.service(), true)
		})
}

func composeDead(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	stopped := func(res *engine.Result) (*engine.Result, error) {
		res.Comment = fmt.Sprintf("Service for %s is already stopped.", res.Name)
		return res, nil
	}
	return onPodUnit(ctx, env, st, stopped,
		func(c *composition, unit engine.State, args composeArgs) (*engine.Result, error) {
			return unitState(ctx, env, unit, c.sd, args.service(), false)
		})
}

func composeEnabled(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	return onPodUnit(ctx, env, st, notInstalled(env, "enabled", "Service for %s is set to be enabled."),
		func(c *composition, unit engine.State, _ composeArgs) (*engine.Result, error) {
			return unitEnabled(ctx, env, unit, c.sd, true)
		})
}

func composeDisabled(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	disabled := func(res *engine.Result) (*engine.Result, error) {
		res.Comment = fmt.Sprintf("Service for %s is already disabled.", res.Name)
		return res, nil
	}
	return onPodUnit(ctx, env, st, disabled,
		func(c *composition, unit engine.State, _ composeArgs) (*engine.Result, error) {
			return unitEnabled(ctx, env, unit, c.sd, false)
		})
}

// composeModWatch restarts or stops the pod for compose.running and
// compose.dead, and recreates the containers for compose.installed.
func composeModWatch(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	switch st.Function {
	case "compose.running", "compose.dead":
		absent := notInstalled(env, "started", "Service for %s is set to be started.")
		if st.Function == "compose.dead" {
			absent = func(res *engine.Result) (*engine.Result, error) {
				res.Comment = "Service is already stopped."
				return res, nil
			}
		}
		return onPodUnit(ctx, env, st, absent,
			func(c *composition, unit engine.State, args composeArgs) (*engine.Result, error) {
				return unitModWatch(ctx, env, unit, c.sd, args.service())
			})
	case "compose.installed":
	default:
		res := engine.NewResult(st)
		res.Result = engine.Bool(false)
		res.Comment = fmt.Sprintf("Unable to trigger watch for %s", st.Function)
		return res, nil
	}

	res := engine.NewResult(st)
	name := st.Target()
	c, args, err := resolveComposition(ctx, env, st)
	if err != nil {
		return fail(res, err)
	}
	res.Changes["recreated"] = name
	if env.Test {
		return pending(res, "Composition is set to be recreated.")
	}
	hash, err := c.definitionsHash(ctx, env)
	if err != nil {
		return fail(res, err)
	}
	if err := c.install(ctx, env, hash, args, true); err != nil {
		return fail(res, err)
	}
	res.Comment = "Composition was recreated."
	return res, nil
}
