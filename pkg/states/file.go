package states

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/tofs"
)

// stringList accepts a single string or a list of strings.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = stringList{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

type fileManagedArgs struct {
	// Source lists candidate paths in the formula file tree; the first
	// that exists is used.
	Source   stringList `yaml:"source" validate:"required_without=Contents"`
	Contents *string    `yaml:"contents" validate:"required_without=Source"`
	Mode     string     `yaml:"mode" validate:"omitempty,numeric,max=4"`
	User     string     `yaml:"user"`
	Group    string     `yaml:"group"`
	Makedirs bool       `yaml:"makedirs"`
}

type fileDirectoryArgs struct {
	Mode     string `yaml:"mode" validate:"omitempty,numeric,max=4"`
	User     string `yaml:"user"`
	Group    string `yaml:"group"`
	Makedirs bool   `yaml:"makedirs"`
}

func parseMode(s string, def fs.FileMode) (fs.FileMode, error) {
	if s == "" {
		return def, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return fs.FileMode(m), nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fileAttrs is what stat(1) reports about ownership and permissions.
type fileAttrs struct {
	user  string
	group string
	mode  fs.FileMode
}

func statAttrs(ctx context.Context, env *engine.Env, name string) (*fileAttrs, error) {
	res, err := run(ctx, env, "stat", "-c", "%U %G %a", name)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) != 3 {
		return nil, fmt.Errorf("unexpected stat output for %s: %q", name, res.Stdout)
	}
	mode, err := parseMode(fields[2], 0)
	if err != nil {
		return nil, err
	}
	return &fileAttrs{user: fields[0], group: fields[1], mode: mode}, nil
}

// attrChanges compares the wanted ownership and mode with the file's and
// returns what would change.
func attrChanges(cur *fileAttrs, user, group string, mode fs.FileMode, modeSet bool) map[string]any {
	changes := map[string]any{}
	if user != "" && (cur == nil || cur.user != user) {
		changes["user"] = user
	}
	if group != "" && (cur == nil || cur.group != group) {
		changes["group"] = group
	}
	if modeSet && (cur == nil || cur.mode.Perm() != mode.Perm()) {
		changes["mode"] = fmt.Sprintf("%04o", mode.Perm())
	}
	return changes
}

func applyAttrs(ctx context.Context, env *engine.Env, name string, changes map[string]any) error {
	user, _ := changes["user"].(string)
	group, _ := changes["group"].(string)
	if user != "" || group != "" {
		owner := user
		if group != "" {
			owner += ":" + group
		}
		if _, err := run(ctx, env, "chown", owner, name); err != nil {
			return err
		}
	}
	if mode, ok := changes["mode"].(string); ok {
		if _, err := run(ctx, env, "chmod", mode, name); err != nil {
			return err
		}
	}
	return nil
}

func exists(ctx context.Context, env *engine.Env, name string) (fs.FileInfo, error) {
	info, err := env.Transport.Stat(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return info, err
}

func fileManaged(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	var args fileManagedArgs
	if err := decodeArgs(st, &args); err != nil {
		return fail(res, err)
	}
	if !path.IsAbs(name) {
		return fail(res, fmt.Errorf("Specified file %s is not an absolute path", name))
	}
	mode, err := parseMode(args.Mode, 0o644)
	if err != nil {
		return fail(res, err)
	}

	var want []byte
	if args.Contents != nil {
		want = []byte(*args.Contents)
	} else {
		if env.Files == nil {
			return fail(res, errors.New("no formula file tree to resolve sources from"))
		}
		src, err := tofs.Resolve(env.Files, args.Source)
		if err != nil {
			return fail(res, fmt.Errorf("Source file not found: %w", err))
		}
		if want, err = fs.ReadFile(env.Files, src); err != nil {
			return fail(res, err)
		}
		env.Logger.Debug().Str("file", name).Str("source", src).Msg("Resolved file source")
	}

	info, err := exists(ctx, env, name)
	if err != nil {
		return fail(res, err)
	}
	if info != nil && info.IsDir() {
		return fail(res, fmt.Errorf("Specified target %s is a directory", name))
	}

	var cur *fileAttrs
	if info != nil {
		have, err := env.Transport.ReadFile(ctx, name)
		if err != nil {
			return fail(res, err)
		}
		if oldSum, newSum := checksum(have), checksum(want); oldSum != newSum {
			res.Changes["sha256"] = map[string]any{"old": oldSum, "new": newSum}
		}
		if cur, err = statAttrs(ctx, env, name); err != nil {
			return fail(res, err)
		}
	} else {
		res.Changes["diff"] = "New file"
	}
	for k, v := range attrChanges(cur, args.User, args.Group, mode, info != nil && args.Mode != "") {
		res.Changes[k] = v
	}

	if len(res.Changes) == 0 {
		res.Comment = fmt.Sprintf("File %s is in the correct state", name)
		return res, nil
	}
	if env.Test {
		return pending(res, fmt.Sprintf("The file %s is set to be changed", name))
	}

	if info == nil || res.Changes["sha256"] != nil {
		dir := path.Dir(name)
		if d, err := exists(ctx, env, dir); err != nil {
			return fail(res, err)
		} else if d == nil {
			if !args.Makedirs {
				return fail(res, fmt.Errorf("Parent directory not present: %s", dir))
			}
			if err := env.Transport.MkdirAll(ctx, dir, 0o755); err != nil {
				return fail(res, err)
			}
		}
		if err := env.Transport.WriteFile(ctx, name, want, mode); err != nil {
			return fail(res, err)
		}
	}
	if err := applyAttrs(ctx, env, name, res.Changes); err != nil {
		return fail(res, err)
	}

	if info == nil {
		res.Comment = fmt.Sprintf("File %s created", name)
	} else {
		res.Comment = fmt.Sprintf("File %s updated", name)
	}
	return res, nil
}

func fileAbsent(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	if !path.IsAbs(name) {
		return fail(res, fmt.Errorf("Specified file %s is not an absolute path", name))
	}
	info, err := exists(ctx, env, name)
	if err != nil {
		return fail(res, err)
	}
	if info == nil {
		res.Comment = fmt.Sprintf("File %s is not present", name)
		return res, nil
	}

	res.Changes["removed"] = name
	if env.Test {
		return pending(res, fmt.Sprintf("File %s is set for removal", name))
	}
	if info.IsDir() {
		_, err = run(ctx, env, "rm", "-rf", "--", name)
	} else {
		err = env.Transport.Remove(ctx, name)
	}
	if err != nil {
		return fail(res, err)
	}
	res.Comment = fmt.Sprintf("Removed file %s", name)
	return res, nil
}

func fileDirectory(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	name := st.Target()
	var args fileDirectoryArgs
	if err := decodeArgs(st, &args); err != nil {
		return fail(res, err)
	}
	if !path.IsAbs(name) {
		return fail(res, fmt.Errorf("Specified file %s is not an absolute path", name))
	}
	mode, err := parseMode(args.Mode, 0o755)
	if err != nil {
		return fail(res, err)
	}

	info, err := exists(ctx, env, name)
	if err != nil {
		return fail(res, err)
	}
	if info != nil && !info.IsDir() {
		return fail(res, fmt.Errorf("Specified location %s exists and is a file", name))
	}

	var cur *fileAttrs
	if info != nil {
		if cur, err = statAttrs(ctx, env, name); err != nil {
			return fail(res, err)
		}
	} else {
		res.Changes[name] = "New Dir"
	}
	for k, v := range attrChanges(cur, args.User, args.Group, mode, info != nil && args.Mode != "") {
		res.Changes[k] = v
	}

	if len(res.Changes) == 0 {
		res.Comment = fmt.Sprintf("The directory %s is in the correct state", name)
		return res, nil
	}
	if env.Test {
		return pending(res, fmt.Sprintf("The directory %s is set to be changed", name))
	}

	if info == nil {
		parent := path.Dir(name)
		if p, err := exists(ctx, env, parent); err != nil {
			return fail(res, err)
		} else if p == nil && !args.Makedirs {
			return fail(res, fmt.Errorf("No directory to create %s in", name))
		}
		if err := env.Transport.MkdirAll(ctx, name, mode); err != nil {
			return fail(res, err)
		}
	}
	if err := applyAttrs(ctx, env, name, res.Changes); err != nil {
		return fail(res, err)
	}
	if info == nil {
		res.Comment = fmt.Sprintf("Directory %s created", name)
	} else {
		res.Comment = fmt.Sprintf("Directory %s updated", name)
	}
	return res, nil
}
