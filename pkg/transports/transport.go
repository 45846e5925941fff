// Package transports provides access to the managed host: command execution,
// file operations and socket dialing, locally or over SSH.
package transports

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"sort"
	"strings"
	"time"
)

// Transport is the interface state functions use to reach the managed host.
type Transport interface {
	// Run executes a command. A non-zero exit status returns the Result
	// together with an *ExitError.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// ReadFile returns the content of a file. Missing files return an
	// error wrapping fs.ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces a file atomically.
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error

	// Stat describes a file. Missing files return an error wrapping
	// fs.ErrNotExist.
	Stat(ctx context.Context, path string) (fs.FileInfo, error)

	// Remove deletes a file or an empty directory.
	Remove(ctx context.Context, path string) error

	// MkdirAll creates a directory and its parents.
	MkdirAll(ctx context.Context, path string, perm fs.FileMode) error

	// DialContext connects to an address on the managed host, typically
	// the podman unix socket.
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)

	// Privileged reports whether commands run as root.
	Privileged() bool

	Close() error
}

// Command describes a command to run on the managed host.
type Command struct {
	Name string
	Args []string

	// User runs the command as another account.
	User string

	// Env is added to the command's environment.
	Env map[string]string

	Stdin []byte
}

// Result is the outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
}

// TransportError reports a failure to reach the host, as opposed to a
// command failing on it.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "write")
	Op string

	Err error

	// IsTemporary indicates the operation may succeed when retried
	IsTemporary bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the error is worth retrying.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Argv builds the argument vector for cmd. Commands for another user are
// wrapped with runuser when privileged and sudo otherwise; Env is passed
// through env(1) so it survives the user switch.
func Argv(cmd Command, privileged bool) []string {
	var argv []string
	if cmd.User != "" {
		if privileged {
			argv = append(argv, "runuser", "-u", cmd.User, "--")
		} else {
			argv = append(argv, "sudo", "-n", "-u", cmd.User, "--")
		}
	}
	if len(cmd.Env) > 0 {
		keys := make([]string, 0, len(cmd.Env))
		for k := range cmd.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		argv = append(argv, "env")
		for _, k := range keys {
			argv = append(argv, k+"="+cmd.Env[k])
		}
	}
	argv = append(argv, cmd.Name)
	return append(argv, cmd.Args...)
}

// ShellQuote joins argv into a string safe to pass to a POSIX shell.
func ShellQuote(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = quoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	return ShellQuote(append([]string{c.Name}, c.Args...))
}
