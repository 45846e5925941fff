package states

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/transports"
)

type lingeringArgs struct {
	Enable *bool `yaml:"enable" validate:"required"`
}

// userUnit decodes the arguments of a user_service state and connects to
// the user's manager.
func userUnit(ctx context.Context, env *engine.Env, st engine.State) (*systemd, userServiceArgs, error) {
	var args userServiceArgs
	if err := decodeArgs(st, &args); err != nil {
		return nil, args, err
	}
	sd, err := userSystemd(ctx, env, args.User)
	return sd, args, err
}

func userServiceRunning(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	sd, args, err := userUnit(ctx, env, st)
	if err != nil {
		return fail(engine.NewResult(st), err)
	}
	return unitState(ctx, env, st, sd, args.serviceArgs, true)
}

func userServiceDead(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	sd, args, err := userUnit(ctx, env, st)
	if err != nil {
		return fail(engine.NewResult(st), err)
	}
	return unitState(ctx, env, st, sd, args.serviceArgs, false)
}

func userServiceEnabled(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	sd, _, err := userUnit(ctx, env, st)
	if err != nil {
		return fail(engine.NewResult(st), err)
	}
	return unitEnabled(ctx, env, st, sd, true)
}

func userServiceDisabled(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	sd, _, err := userUnit(ctx, env, st)
	if err != nil {
		return fail(engine.NewResult(st), err)
	}
	return unitEnabled(ctx, env, st, sd, false)
}

func userServiceModWatch(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	sd, args, err := userUnit(ctx, env, st)
	if err != nil {
		return fail(engine.NewResult(st), err)
	}
	return unitModWatch(ctx, env, st, sd, args.serviceArgs)
}

// lingeringEnabled asks logind whether user lingers. A user that is
// neither logged in nor lingering is reported as an error by loginctl.
func lingeringEnabled(ctx context.Context, env *engine.Env, user string) (bool, error) {
	res, err := probe(ctx, env, transports.Command{
		Name: "loginctl",
		Args: []string{"show-user", "--property", "Linger", user},
	})
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "not logged in or lingering") {
			return false, nil
		}
		return false, fmt.Errorf("Failed running loginctl: %s", res.Stderr)
	}
	return strings.Contains(res.Stdout, "Linger=yes"), nil
}

// lingeringManaged enables or disables lingering for the user named by the
// state, then waits for the user's session bus to follow.
func lingeringManaged(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	user := st.Target()
	var args lingeringArgs
	if err := decodeArgs(st, &args); err != nil {
		return fail(res, err)
	}
	enable := *args.Enable

	acct, err := lookupAccount(ctx, env, user)
	if err != nil {
		return fail(res, err)
	}
	if acct == nil {
		if env.Test {
			return pending(res, fmt.Sprintf("User %s does not exist. If it is created by some state before this, this check will pass.", user))
		}
		return fail(res, fmt.Errorf("User %s does not exist.", user))
	}

	verb := "disable"
	if enable {
		verb = "enable"
	}

	lingering, err := lingeringEnabled(ctx, env, user)
	if err != nil {
		return fail(res, err)
	}
	if lingering == enable {
		res.Comment = fmt.Sprintf("Lingering for user %s is already %sd.", user, verb)
		return res, nil
	}
	if env.Test {
		res.Changes["lingering"] = enable
		return pending(res, fmt.Sprintf("Lingering for user %s is set to be %sd.", user, verb))
	}

	if _, err := env.Transport.Run(ctx, transports.Command{Name: "loginctl", Args: []string{verb + "-linger", user}}); err != nil {
		return fail(res, err)
	}

	// The bus appears (or goes away) a moment after loginctl returns.
	ok, err := waitFor(ctx, lingerTimeout, lingerPollInterval, func() (bool, error) {
		bus, err := exists(ctx, env, busPath(acct.UID))
		return (bus != nil) == enable, err
	})
	if err != nil {
		return fail(res, err)
	}
	if !ok {
		return fail(res, errors.New("No errors encountered, but the reported state does not match the expected"))
	}
	res.Changes["lingering"] = enable
	res.Comment = fmt.Sprintf("Lingering for user %s has been %sd.", user, verb)
	return res, nil
}
