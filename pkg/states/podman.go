package states

import (
	"context"
	"fmt"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/podman"
)

// containerArgs are the arguments of the podman container states.
type containerArgs struct {
	Image     string            `yaml:"image"`
	Command   stringList        `yaml:"command"`
	Env       map[string]any    `yaml:"env"`
	SecretEnv map[string]string `yaml:"secret_env"`
	Ports     []string          `yaml:"ports"`
	Volumes   []string          `yaml:"volumes"`
	Labels    map[string]string `yaml:"labels"`
	// RunAs is the user inside the container.
	RunAs  string `yaml:"run_as"`
	Remove bool   `yaml:"remove"`
	// User selects the rootless podman service of this account.
	User    string `yaml:"user"`
	Timeout int    `yaml:"timeout" validate:"gte=0"`
	// RemoveVolumes and Force apply to podman.absent. Force defaults to
	// true.
	RemoveVolumes bool  `yaml:"remove_volumes"`
	Force         *bool `yaml:"force"`
}

func (a containerArgs) spec(name string) podman.ContainerSpec {
	env := make(map[string]string, len(a.Env))
	for k, v := range a.Env {
		env[k] = fmt.Sprint(v)
	}
	return podman.ContainerSpec{
		Name:      name,
		Image:     a.Image,
		Command:   a.Command,
		Env:       env,
		SecretEnv: a.SecretEnv,
		Ports:     a.Ports,
		Volumes:   a.Volumes,
		Labels:    a.Labels,
		User:      a.RunAs,
		Remove:    a.Remove,
	}
}

type secretArgs struct {
	Data      *string `yaml:"data"`
	Driver    string  `yaml:"driver"`
	Overwrite bool    `yaml:"overwrite"`
	User      string  `yaml:"user"`
}

// podmanClient connects to the podman service of user (root when empty)
// on the managed host.
func podmanClient(ctx context.Context, env *engine.Env, user string) (*podman.Client, error) {
	return podman.Connect(ctx, env.Transport, user, env.Logger)
}

// lookupContainer decodes the arguments and finds the named container.
func lookupContainer(ctx context.Context, env *engine.Env, st engine.State) (*podman.Client, containerArgs, *podman.Container, error) {
	var args containerArgs
	if err := decodeArgs(st, &args); err != nil {
		return nil, args, nil, err
	}
	client, err := podmanClient(ctx, env, args.User)
	if err != nil {
		return nil, args, nil, err
	}
	ctr, err := client.FindContainer(ctx, st.Target())
	if err != nil {
		client.Close()
		return nil, args, nil, err
	}
	return client, args, ctr, nil
}

func podmanAbsent(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	client, args, ctr, err := lookupContainer(ctx, env, st)
	if err != nil {
		return fail(res, err)
	}
	defer client.Close()
	if ctr == nil {
		res.Comment = fmt.Sprintf("A container named `%s` does not exist", name)
		return res, nil
	}

	res.Changes["removed"] = name
	if env.Test {
		return pending(res, "Would have removed the container")
	}
	force := args.Force == nil || *args.Force
	if err := client.RemoveContainer(ctx, name, force, args.RemoveVolumes); err != nil {
		return fail(res, err)
	}
	return res, nil
}

func podmanDead(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	client, args, ctr, err := lookupContainer(ctx, env, st)
	if err != nil {
		return fail(res, err)
	}
	defer client.Close()
	if ctr == nil {
		res.Result = engine.Bool(false)
		res.Comment = fmt.Sprintf("A container named `%s` does not exist", name)
		return res, nil
	}
	if ctr.State != "running" && ctr.State != "paused" {
		res.Comment = fmt.Sprintf("A container named `%s` is not running", name)
		return res, nil
	}

	res.Changes["stopped"] = name
	if env.Test {
		return pending(res, "Would have stopped the container")
	}
	if err := client.StopContainer(ctx, name, args.Timeout); err != nil {
		return fail(res, err)
	}
	return res, nil
}

func podmanPresent(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	client, args, ctr, err := lookupContainer(ctx, env, st)
	if err != nil {
		return fail(res, err)
	}
	defer client.Close()
	if ctr != nil {
		res.Comment = fmt.Sprintf("A container named `%s` is already present", name)
		return res, nil
	}
	if args.Image == "" {
		return fail(res, fmt.Errorf("An image is required to create container `%s`", name))
	}

	res.Changes["created"] = name
	if env.Test {
		return pending(res, "Would have created the container")
	}
	if _, err := client.CreateContainerPulling(ctx, args.spec(name)); err != nil {
		return fail(res, err)
	}
	return res, nil
}

func podmanRunning(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	client, args, ctr, err := lookupContainer(ctx, env, st)
	if err != nil {
		return fail(res, err)
	}
	defer client.Close()

	if ctr != nil {
		if ctr.State == "running" {
			res.Comment = fmt.Sprintf("A container named `%s` is already running", name)
			return res, nil
		}
		past := "started"
		if ctr.State == "paused" {
			past = "unpaused"
		}
		res.Changes[past] = name
		if env.Test {
			return pending(res, fmt.Sprintf("Would have %s the existing container", past))
		}
		if past == "unpaused" {
			err = client.UnpauseContainer(ctx, name)
		} else {
			err = client.StartContainer(ctx, name)
		}
		if err != nil {
			return fail(res, err)
		}
		res.Comment = fmt.Sprintf("The existing container was %s", past)
		return res, nil
	}

	if args.Image == "" {
		return fail(res, fmt.Errorf("An image is required to create container `%s`", name))
	}
	res.Changes["created"] = name
	res.Changes["started"] = name
	if env.Test {
		return pending(res, "Would have created and started the container")
	}
	if _, err := client.CreateContainerPulling(ctx, args.spec(name)); err != nil {
		return fail(res, err)
	}
	if err := client.StartContainer(ctx, name); err != nil {
		// The container exists now; report that much.
		res.Changes = map[string]any{"created": name}
		res.Result = engine.Bool(false)
		res.Comment = err.Error()
		return res, nil
	}
	return res, nil
}

// podmanModWatch restarts a running container after a watched state
// changed, and leaves stopped containers alone.
func podmanModWatch(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	client, args, ctr, err := lookupContainer(ctx, env, st)
	if err != nil {
		return fail(res, err)
	}
	defer client.Close()
	if ctr == nil || ctr.State != "running" {
		res.Comment = fmt.Sprintf("A container named `%s` is not running", name)
		return res, nil
	}

	res.Changes["restarted"] = name
	if env.Test {
		return pending(res, "Would have restarted the container")
	}
	if err := client.RestartContainer(ctx, name, args.Timeout); err != nil {
		return fail(res, err)
	}
	res.Comment = "The container was restarted"
	return res, nil
}

func podmanSecretPresent(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	var args secretArgs
	if err := decodeArgs(st, &args); err != nil {
		return fail(res, err)
	}
	if args.Data == nil {
		return fail(res, fmt.Errorf("Secret `%s` needs data", name))
	}

	client, err := podmanClient(ctx, env, args.User)
	if err != nil {
		return fail(res, err)
	}
	defer client.Close()
	present, err := client.SecretExists(ctx, name)
	if err != nil {
		return fail(res, err)
	}
	if present && !args.Overwrite {
		res.Comment = fmt.Sprintf("A secret named `%s` is already present", name)
		return res, nil
	}

	verb := "create"
	if present {
		verb = "update"
	}
	res.Changes[verb+"d"] = name
	if env.Test {
		return pending(res, fmt.Sprintf("Would have %sd the secret", verb))
	}

	// Secrets cannot be overwritten in place.
	if present {
		if err := client.RemoveSecret(ctx, name); err != nil {
			return fail(res, err)
		}
	}
	if _, err := client.CreateSecret(ctx, name, []byte(*args.Data), args.Driver); err != nil {
		return fail(res, err)
	}
	return res, nil
}

func podmanSecretAbsent(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	var args secretArgs
	if err := decodeArgs(st, &args); err != nil {
		return fail(res, err)
	}

	client, err := podmanClient(ctx, env, args.User)
	if err != nil {
		return fail(res, err)
	}
	defer client.Close()
	present, err := client.SecretExists(ctx, name)
	if err != nil {
		return fail(res, err)
	}
	if !present {
		res.Comment = fmt.Sprintf("A secret named `%s` does not exist", name)
		return res, nil
	}

	res.Changes["removed"] = name
	if env.Test {
		return pending(res, "Would have removed the secret")
	}
	if err := client.RemoveSecret(ctx, name); err != nil {
		return fail(res, err)
	}
	return res, nil
}
