package states

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/transports"
)

type pkgArgs struct {
	// Pkgs installs several packages; without it the state name is the
	// package.
	Pkgs    []string `yaml:"pkgs" validate:"omitempty,dive,required"`
	Version string   `yaml:"version"`
	Refresh bool     `yaml:"refresh"`
}

func (a pkgArgs) names(st engine.State) []string {
	if len(a.Pkgs) > 0 {
		return a.Pkgs
	}
	return []string{st.Target()}
}

// packageManager drives one distribution's package tooling.
type packageManager struct {
	name string
	// version returns the installed version, or "" when not installed.
	version func(ctx context.Context, env *engine.Env, pkg string) (string, error)
	// upgradable reports whether a newer version is available.
	upgradable func(ctx context.Context, env *engine.Env, pkg string) (bool, error)
	refresh    transports.Command
	install    func(pkgs []string) transports.Command
	upgrade    func(pkgs []string) transports.Command
	remove     func(pkgs []string) transports.Command
	pin        func(pkg, version string) string
}

func cmd(name string, args ...string) transports.Command {
	return transports.Command{Name: name, Args: args}
}

func withPkgs(c transports.Command) func([]string) transports.Command {
	return func(pkgs []string) transports.Command {
		return transports.Command{Name: c.Name, Args: append(append([]string(nil), c.Args...), pkgs...), Env: c.Env}
	}
}

var aptEnv = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}

var apt = &packageManager{
	name: "apt",
	version: func(ctx context.Context, env *engine.Env, pkg string) (string, error) {
		res, err := probe(ctx, env, cmd("dpkg-query", "-W", "-f=${Status}\t${Version}", pkg))
		if err != nil || res.ExitCode != 0 {
			return "", err
		}
		status, version, _ := strings.Cut(res.Stdout, "\t")
		if !strings.HasSuffix(status, " installed") {
			return "", nil
		}
		return version, nil
	},
	upgradable: func(ctx context.Context, env *engine.Env, pkg string) (bool, error) {
		res, err := run(ctx, env, "apt-cache", "policy", pkg)
		if err != nil {
			return false, err
		}
		var installed, candidate string
		for _, line := range strings.Split(res.Stdout, "\n") {
			line = strings.TrimSpace(line)
			if v, ok := strings.CutPrefix(line, "Installed: "); ok {
				installed = v
			}
			if v, ok := strings.CutPrefix(line, "Candidate: "); ok {
				candidate = v
			}
		}
		return candidate != "" && candidate != "(none)" && candidate != installed, nil
	},
	refresh: transports.Command{Name: "apt-get", Args: []string{"-q", "update"}, Env: aptEnv},
	install: withPkgs(transports.Command{Name: "apt-get", Args: []string{"-q", "-y", "install"}, Env: aptEnv}),
	upgrade: withPkgs(transports.Command{Name: "apt-get", Args: []string{"-q", "-y", "install", "--only-upgrade"}, Env: aptEnv}),
	remove:  withPkgs(transports.Command{Name: "apt-get", Args: []string{"-q", "-y", "remove"}, Env: aptEnv}),
	pin:     func(pkg, version string) string { return pkg + "=" + version },
}

func rpmVersion(ctx context.Context, env *engine.Env, pkg string) (string, error) {
	res, err := probe(ctx, env, cmd("rpm", "-q", "--qf", "%{VERSION}-%{RELEASE}", pkg))
	if err != nil || res.ExitCode != 0 {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func dnfLike(tool string) *packageManager {
	return &packageManager{
		name:    tool,
		version: rpmVersion,
		upgradable: func(ctx context.Context, env *engine.Env, pkg string) (bool, error) {
			// check-update exits 100 when updates are available.
			res, err := probe(ctx, env, cmd(tool, "-q", "check-update", pkg))
			if err != nil {
				return false, err
			}
			switch res.ExitCode {
			case 0:
				return false, nil
			case 100:
				return true, nil
			default:
				return false, fmt.Errorf("%s check-update %s: exit status %d: %s", tool, pkg, res.ExitCode, res.Stderr)
			}
		},
		refresh: cmd(tool, "-q", "makecache"),
		install: withPkgs(cmd(tool, "-q", "-y", "install")),
		upgrade: withPkgs(cmd(tool, "-q", "-y", "upgrade")),
		remove:  withPkgs(cmd(tool, "-q", "-y", "remove")),
		pin:     func(pkg, version string) string { return pkg + "-" + version },
	}
}

var zypper = &packageManager{
	name:    "zypper",
	version: rpmVersion,
	upgradable: func(ctx context.Context, env *engine.Env, pkg string) (bool, error) {
		res, err := run(ctx, env, "zypper", "--non-interactive", "--quiet", "list-updates")
		if err != nil {
			return false, err
		}
		for _, line := range strings.Split(res.Stdout, "\n") {
			fields := strings.Split(line, "|")
			if len(fields) > 2 && strings.TrimSpace(fields[2]) == pkg {
				return true, nil
			}
		}
		return false, nil
	},
	refresh: cmd("zypper", "--non-interactive", "refresh"),
	install: withPkgs(cmd("zypper", "--non-interactive", "install")),
	upgrade: withPkgs(cmd("zypper", "--non-interactive", "update")),
	remove:  withPkgs(cmd("zypper", "--non-interactive", "remove")),
	pin:     func(pkg, version string) string { return pkg + "=" + version },
}

var pacman = &packageManager{
	name: "pacman",
	version: func(ctx context.Context, env *engine.Env, pkg string) (string, error) {
		res, err := probe(ctx, env, cmd("pacman", "-Q", pkg))
		if err != nil || res.ExitCode != 0 {
			return "", err
		}
		_, version, _ := strings.Cut(strings.TrimSpace(res.Stdout), " ")
		return version, nil
	},
	upgradable: func(ctx context.Context, env *engine.Env, pkg string) (bool, error) {
		res, err := probe(ctx, env, cmd("pacman", "-Qu", pkg))
		if err != nil {
			return false, err
		}
		return res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != "", nil
	},
	refresh: cmd("pacman", "-Sy"),
	install: withPkgs(cmd("pacman", "-S", "--noconfirm", "--needed")),
	upgrade: withPkgs(cmd("pacman", "-S", "--noconfirm")),
	remove:  withPkgs(cmd("pacman", "-R", "--noconfirm")),
	pin:     func(pkg, _ string) string { return pkg },
}

// packageManagerFor selects the package manager from the grains.
func packageManagerFor(grains map[string]any) (*packageManager, error) {
	family, _ := grains["os_family"].(string)
	switch family {
	case "Debian":
		return apt, nil
	case "RedHat":
		if major, ok := grains["osmajorrelease"].(int); ok && major < 8 && grains["os"] != "Fedora" {
			return dnfLike("yum"), nil
		}
		return dnfLike("dnf"), nil
	case "Suse":
		return zypper, nil
	case "Arch":
		return pacman, nil
	default:
		return nil, fmt.Errorf("no package manager known for os_family %q", family)
	}
}

func pkgSetup(env *engine.Env, st engine.State) (*packageManager, pkgArgs, error) {
	var args pkgArgs
	if err := decodeArgs(st, &args); err != nil {
		return nil, args, err
	}
	pm, err := packageManagerFor(env.Grains)
	return pm, args, err
}

func versionChanges(ctx context.Context, env *engine.Env, pm *packageManager, pkgs []string, old map[string]string) (map[string]any, error) {
	changes := map[string]any{}
	for _, p := range pkgs {
		v, err := pm.version(ctx, env, p)
		if err != nil {
			return nil, err
		}
		if v != old[p] {
			changes[p] = map[string]any{"old": old[p], "new": v}
		}
	}
	return changes, nil
}

func pkgInstalled(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	pm, args, err := pkgSetup(env, st)
	if err != nil {
		return fail(res, err)
	}

	pkgs := args.names(st)
	old := make(map[string]string, len(pkgs))
	var targets []string
	for _, p := range pkgs {
		v, err := pm.version(ctx, env, p)
		if err != nil {
			return fail(res, err)
		}
		old[p] = v
		switch {
		case v == "":
			targets = append(targets, p)
		case args.Version != "" && len(pkgs) == 1 && v != args.Version:
			targets = append(targets, p)
		}
	}

	if len(targets) == 0 {
		res.Comment = "All specified packages are already installed"
		return res, nil
	}
	if env.Test {
		for _, p := range targets {
			res.Changes[p] = map[string]any{"old": old[p], "new": "installed"}
		}
		return pending(res, "The following packages would be installed/updated: "+strings.Join(targets, ", "))
	}

	if args.Refresh {
		if _, err := env.Transport.Run(ctx, pm.refresh); err != nil {
			return fail(res, err)
		}
	}
	install := targets
	if args.Version != "" && len(pkgs) == 1 {
		install = []string{pm.pin(pkgs[0], args.Version)}
	}
	if _, err := env.Transport.Run(ctx, pm.install(install)); err != nil {
		return fail(res, err)
	}

	changes, err := versionChanges(ctx, env, pm, targets, old)
	if err != nil {
		return fail(res, err)
	}
	res.Changes = changes
	res.Comment = "The following packages were installed/updated: " + strings.Join(targets, ", ")
	return res, nil
}

func pkgLatest(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	pm, args, err := pkgSetup(env, st)
	if err != nil {
		return fail(res, err)
	}

	pkgs := args.names(st)
	if args.Refresh && !env.Test {
		if _, err := env.Transport.Run(ctx, pm.refresh); err != nil {
			return fail(res, err)
		}
	}

	old := make(map[string]string, len(pkgs))
	var missing, outdated []string
	for _, p := range pkgs {
		v, err := pm.version(ctx, env, p)
		if err != nil {
			return fail(res, err)
		}
		old[p] = v
		if v == "" {
			missing = append(missing, p)
			continue
		}
		up, err := pm.upgradable(ctx, env, p)
		if err != nil {
			return fail(res, err)
		}
		if up {
			outdated = append(outdated, p)
		}
	}

	targets := append(append([]string(nil), missing...), outdated...)
	if len(targets) == 0 {
		res.Comment = fmt.Sprintf("All packages are up-to-date (%s).", strings.Join(pkgs, ", "))
		return res, nil
	}
	if env.Test {
		for _, p := range targets {
			res.Changes[p] = map[string]any{"old": old[p], "new": "latest"}
		}
		return pending(res, "The following packages would be installed/upgraded: "+strings.Join(targets, ", "))
	}

	if len(missing) > 0 {
		if _, err := env.Transport.Run(ctx, pm.install(missing)); err != nil {
			return fail(res, err)
		}
	}
	if len(outdated) > 0 {
		if _, err := env.Transport.Run(ctx, pm.upgrade(outdated)); err != nil {
			return fail(res, err)
		}
	}

	changes, err := versionChanges(ctx, env, pm, targets, old)
	if err != nil {
		return fail(res, err)
	}
	res.Changes = changes
	res.Comment = "The following packages were successfully installed/upgraded: " + strings.Join(targets, ", ")
	return res, nil
}

func pkgRemoved(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
	res := engine.NewResult(st)
	pm, args, err := pkgSetup(env, st)
	if err != nil {
		return fail(res, err)
	}

	old := map[string]string{}
	var targets []string
	for _, p := range args.names(st) {
		v, err := pm.version(ctx, env, p)
		if err != nil {
			return fail(res, err)
		}
		if v != "" {
			old[p] = v
			targets = append(targets, p)
		}
	}

	if len(targets) == 0 {
		res.Comment = "All specified packages are already absent"
		return res, nil
	}
	if env.Test {
		for _, p := range targets {
			res.Changes[p] = map[string]any{"old": old[p], "new": ""}
		}
		return pending(res, "The following packages will be removed: "+strings.Join(targets, ", "))
	}

	if _, err := env.Transport.Run(ctx, pm.remove(targets)); err != nil {
		return fail(res, err)
	}
	changes, err := versionChanges(ctx, env, pm, targets, old)
	if err != nil {
		return fail(res, err)
	}
	res.Changes = changes
	res.Comment = "The following packages were removed: " + strings.Join(targets, ", ")
	return res, nil
}
