// Package states implements the state functions the podman formula renders:
// packages, files, system services, user services, podman objects and
// compose projects.
//
// Every function reports expected failures (a missing container, a command
// exiting non-zero) as a failed Result with the error as comment, and
// returns an error only when the host could not be reached, so the runner
// can retry.
package states

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/transports"
)

var validate = validator.New()

// Register adds every state function to reg.
func Register(reg *engine.Registry) error {
	for name, fn := range functions() {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry with every state function registered.
func NewRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}

func functions() map[string]engine.Function {
	return map[string]engine.Function{
		"pkg.installed": {Apply: pkgInstalled},
		"pkg.latest":    {Apply: pkgLatest},
		"pkg.removed":   {Apply: pkgRemoved},

		"file.managed":   {Apply: fileManaged},
		"file.absent":    {Apply: fileAbsent},
		"file.directory": {Apply: fileDirectory},

		"service.running":  {Apply: serviceRunning, ModWatch: serviceModWatch},
		"service.dead":     {Apply: serviceDead, ModWatch: serviceModWatch},
		"service.enabled":  {Apply: serviceEnabled},
		"service.disabled": {Apply: serviceDisabled},

		"user_service.lingering_managed": {Apply: lingeringManaged},
		"user_service.enabled":           {Apply: userServiceEnabled},
		"user_service.disabled":          {Apply: userServiceDisabled},
		"user_service.running":           {Apply: userServiceRunning, ModWatch: userServiceModWatch},
		"user_service.dead":              {Apply: userServiceDead, ModWatch: userServiceModWatch},

		"podman.present":        {Apply: podmanPresent},
		"podman.running":        {Apply: podmanRunning, ModWatch: podmanModWatch},
		"podman.dead":           {Apply: podmanDead},
		"podman.absent":         {Apply: podmanAbsent},
		"podman.secret_present": {Apply: podmanSecretPresent},
		"podman.secret_absent":  {Apply: podmanSecretAbsent},

		"compose.installed":         {Apply: composeInstalled, ModWatch: composeModWatch},
		"compose.removed":           {Apply: composeRemoved},
		"compose.running":           {Apply: composeRunning, ModWatch: composeModWatch},
		"compose.dead":              {Apply: composeDead, ModWatch: composeModWatch},
		"compose.enabled":           {Apply: composeEnabled},
		"compose.disabled":          {Apply: composeDisabled},
		"compose.lingering_managed": {Apply: lingeringManaged},
	}
}

// decodeArgs fills out from the state's arguments and validates it.
// Unknown arguments are rejected.
func decodeArgs(st engine.State, out any) error {
	data, err := yaml.Marshal(st.Args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// fail turns err into a failed result. Transport failures are returned as
// errors instead so the runner can classify and retry them.
func fail(res *engine.Result, err error) (*engine.Result, error) {
	var te *transports.TransportError
	if errors.As(err, &te) {
		return nil, err
	}
	res.Result = engine.Bool(false)
	res.Comment = err.Error()
	res.Changes = map[string]any{}
	return res, nil
}

// pending marks a test-mode result.
func pending(res *engine.Result, comment string) (*engine.Result, error) {
	res.Result = nil
	res.Comment = comment
	return res, nil
}

// run executes a command and fails on a non-zero exit.
func run(ctx context.Context, env *engine.Env, name string, args ...string) (*transports.Result, error) {
	return env.Transport.Run(ctx, transports.Command{Name: name, Args: args})
}

// probe executes a command whose exit status is an answer rather than a
// failure.
func probe(ctx context.Context, env *engine.Env, cmd transports.Command) (*transports.Result, error) {
	res, err := env.Transport.Run(ctx, cmd)
	var exitErr *transports.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, err
	}
	return res, nil
}

// account is a host user.
type account struct {
	Name string
	UID  int
	GID  int
	Home string
}

// lookupAccount reads a user from the passwd database. A missing user
// returns nil without error.
func lookupAccount(ctx context.Context, env *engine.Env, name string) (*account, error) {
	res, err := probe(ctx, env, transports.Command{Name: "getent", Args: []string{"passwd", name}})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, nil
	}
	fields := strings.Split(strings.TrimSpace(res.Stdout), ":")
	if len(fields) < 7 {
		return nil, fmt.Errorf("unexpected passwd entry for %s: %q", name, res.Stdout)
	}
	uid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("unexpected uid for %s: %q", name, fields[2])
	}
	gid, _ := strconv.Atoi(fields[3])
	return &account{Name: fields[0], UID: uid, GID: gid, Home: fields[5]}, nil
}
