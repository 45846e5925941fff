package states

import (
	"context"

	"github.com/openfroyo/podform/pkg/engine"
)

func serviceRunning(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	var args serviceArgs
	if err := decodeArgs(st, &args); err != nil {
		return fail(engine.NewResult(st), err)
	}
	return unitState(ctx, env, st, &systemd{}, args, true)
}

func serviceDead(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	var args serviceArgs
	if err := decodeArgs(st, &args); err != nil {
		return fail(engine.NewResult(st), err)
	}
	return unitState(ctx, env, st, &systemd{}, args, false)
}

func serviceEnabled(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	return unitEnabled(ctx, env, st, &systemd{}, true)
}

func serviceDisabled(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	return unitEnabled(ctx, env, st, &systemd{}, false)
}

func serviceModWatch(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	var args serviceArgs
	if err := decodeArgs(st, &args); err != nil {
		return fail(engine.NewResult(st), err)
	}
	return unitModWatch(ctx, env, st, &systemd{}, args)
}
