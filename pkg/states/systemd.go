package states

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/transports"
)

// Polling intervals for state changes that lag behind the command that
// caused them.
var (
	unitPollInterval   = 250 * time.Millisecond
	lingerPollInterval = 100 * time.Millisecond
	lingerTimeout      = 10 * time.Second
)

// waitFor polls cond until it holds or timeout passes.
func waitFor(ctx context.Context, timeout, interval time.Duration, cond func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil || ok {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// systemd runs systemctl for the system manager, or for a user's manager
// when user is set.
type systemd struct {
	user string
	uid  int
}

func runtimeDir(uid int) string {
	return "/run/user/" + strconv.Itoa(uid)
}

func busPath(uid int) string {
	return runtimeDir(uid) + "/bus"
}

// userSystemd prepares systemctl calls for user. The user manager is only
// reachable through its session bus, which exists while the user is logged
// in or lingering.
func userSystemd(ctx context.Context, env *engine.Env, user string) (*systemd, error) {
	if user == "" {
		return &systemd{}, nil
	}
	acct, err := lookupAccount(ctx, env, user)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("Could not find user '%s'. Does the account exist?", user)
	}
	bus, err := exists(ctx, env, busPath(acct.UID))
	if err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, fmt.Errorf("User %s does not have lingering enabled. This is required "+
			"to run systemctl as a user that does not have a login session.", user)
	}
	return &systemd{user: user, uid: acct.UID}, nil
}

func (s *systemd) command(args ...string) transports.Command {
	if s.user == "" {
		return transports.Command{Name: "systemctl", Args: args}
	}
	return transports.Command{
		Name: "systemctl",
		Args: append([]string{"--user"}, args...),
		User: s.user,
		Env: map[string]string{
			"XDG_RUNTIME_DIR":          runtimeDir(s.uid),
			"DBUS_SESSION_BUS_ADDRESS": "unix:path=" + busPath(s.uid),
		},
	}
}

func (s *systemd) isActive(ctx context.Context, env *engine.Env, unit string) (bool, error) {
	res, err := probe(ctx, env, s.command("is-active", unit))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (s *systemd) isEnabled(ctx context.Context, env *engine.Env, unit string) (bool, error) {
	res, err := probe(ctx, env, s.command("is-enabled", unit))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "enabled", nil
}

func (s *systemd) do(ctx context.Context, env *engine.Env, verb, unit string) error {
	_, err := env.Transport.Run(ctx, s.command(verb, unit))
	return err
}

type serviceArgs struct {
	// Enable also manages the enabled state when set.
	Enable *bool `yaml:"enable"`
	// Reload makes mod_watch reload instead of restart.
	Reload  bool `yaml:"reload"`
	Timeout *int `yaml:"timeout" validate:"omitempty,gte=0"`
}

func (a serviceArgs) timeout() time.Duration {
	if a.Timeout == nil {
		return 10 * time.Second
	}
	return time.Duration(*a.Timeout) * time.Second
}

type userServiceArgs struct {
	serviceArgs `yaml:",inline"`
	User        string `yaml:"user"`
}

// unitState drives a unit to running or dead, optionally managing whether
// it is enabled.
func unitState(ctx context.Context, env *engine.Env, st engine.State, sd *systemd, args serviceArgs, wantRunning bool) (*engine.Result, error) {
	res := engine.NewResult(st)
	unit := st.Target()

	active, err := sd.isActive(ctx, env, unit)
	if err != nil {
		return fail(res, err)
	}
	enableChange := false
	if args.Enable != nil {
		enabled, err := sd.isEnabled(ctx, env, unit)
		if err != nil {
			return fail(res, err)
		}
		enableChange = enabled != *args.Enable
	}
	activeChange := active != wantRunning

	if !activeChange && !enableChange {
		res.Comment = fmt.Sprintf("Service %s is in the correct state.", unit)
		return res, nil
	}

	verb, past := "start", "started"
	if !wantRunning {
		verb, past = "stop", "stopped"
	}
	enableVerb := "disable"
	if args.Enable != nil && *args.Enable {
		enableVerb = "enable"
	}

	var actions []string
	if activeChange {
		actions = append(actions, past)
		res.Changes[past] = unit
	}
	if enableChange {
		actions = append(actions, enableVerb+"d")
		res.Changes[enableVerb+"d"] = unit
	}

	if env.Test {
		return pending(res, fmt.Sprintf("Service %s would have been %s.", unit, strings.Join(actions, " and ")))
	}

	if activeChange {
		if err := sd.do(ctx, env, verb, unit); err != nil {
			return fail(res, err)
		}
	}
	if enableChange {
		if err := sd.do(ctx, env, enableVerb, unit); err != nil {
			return fail(res, err)
		}
	}
	res.Comment = fmt.Sprintf("Service %s has been %s.", unit, strings.Join(actions, " and "))

	if !activeChange {
		return res, nil
	}
	ok, err := waitFor(ctx, args.timeout(), unitPollInterval, func() (bool, error) {
		a, err := sd.isActive(ctx, env, unit)
		return a == wantRunning, err
	})
	if err != nil {
		return fail(res, err)
	}
	if !ok {
		res.Result = engine.Bool(false)
		delete(res.Changes, past)
		if wantRunning {
			res.Comment = "Tried to start the service, but it is still not running."
		} else {
			res.Comment = "Tried to stop the service, but it is still running."
		}
	}
	return res, nil
}

// unitEnabled drives the enabled state of a unit.
func unitEnabled(ctx context.Context, env *engine.Env, st engine.State, sd *systemd, want bool) (*engine.Result, error) {
	res := engine.NewResult(st)
	unit := st.Target()
	verb := "disable"
	if want {
		verb = "enable"
	}

	enabled, err := sd.isEnabled(ctx, env, unit)
	if err != nil {
		return fail(res, err)
	}
	if enabled == want {
		res.Comment = fmt.Sprintf("Service %s is already %sd.", unit, verb)
		return res, nil
	}

	res.Changes[verb+"d"] = unit
	if env.Test {
		return pending(res, fmt.Sprintf("Service %s is set to be %sd.", unit, verb))
	}
	if err := sd.do(ctx, env, verb, unit); err != nil {
		return fail(res, err)
	}
	res.Comment = fmt.Sprintf("Service %s has been %sd.", unit, verb)

	enabled, err = sd.isEnabled(ctx, env, unit)
	if err != nil {
		return fail(res, err)
	}
	if enabled != want {
		res.Result = engine.Bool(false)
		res.Changes = map[string]any{}
		if want {
			res.Comment = "Tried to enable the service, but it is reported as disabled."
		} else {
			res.Comment = "Tried to disable the service, but it is reported as enabled."
		}
	}
	return res, nil
}

// unitModWatch restarts (or reloads) a running unit, starts a stopped one
// that should run, and stops one that should be dead.
func unitModWatch(ctx context.Context, env *engine.Env, st engine.State, sd *systemd, args serviceArgs) (*engine.Result, error) {
	res := engine.NewResult(st)
	unit := st.Target()
	_, sfun, _ := strings.Cut(st.Function, ".")

	active, err := sd.isActive(ctx, env, unit)
	if err != nil {
		return fail(res, err)
	}

	var verb, done string
	wantRunning := true
	switch sfun {
	case "dead":
		if !active {
			res.Comment = "Service is already stopped."
			return res, nil
		}
		verb, done, wantRunning = "stop", "stopped", false
	case "running":
		switch {
		case !active:
			verb, done = "start", "started"
		case args.Reload:
			verb, done = "reload", "reloaded"
		default:
			verb, done = "restart", "restarted"
		}
	default:
		res.Result = engine.Bool(false)
		res.Comment = fmt.Sprintf("Unable to trigger watch for %s", st.Function)
		return res, nil
	}

	res.Changes[done] = unit
	if env.Test {
		return pending(res, fmt.Sprintf("Service is set to be %s.", done))
	}
	if err := sd.do(ctx, env, verb, unit); err != nil {
		return fail(res, err)
	}

	ok, err := waitFor(ctx, args.timeout(), unitPollInterval, func() (bool, error) {
		a, err := sd.isActive(ctx, env, unit)
		return a == wantRunning, err
	})
	if err != nil {
		return fail(res, err)
	}
	if !ok {
		res.Result = engine.Bool(false)
		res.Changes = map[string]any{}
		res.Comment = fmt.Sprintf("Tried to %s the service, but it is still not %s.", verb, sfun)
		return res, nil
	}
	res.Comment = fmt.Sprintf("Service was %s.", done)
	return res, nil
}
