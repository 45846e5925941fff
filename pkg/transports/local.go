package transports

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Local runs commands and file operations on the machine podform runs on.
type Local struct {
	logger     zerolog.Logger
	privileged bool
	dialer     net.Dialer
}

// NewLocal creates a local transport.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{
		logger:     logger,
		privileged: os.Geteuid() == 0,
	}
}

// Run executes cmd with os/exec.
func (l *Local) Run(ctx context.Context, cmd Command) (*Result, error) {
	argv := Argv(cmd, l.privileged)
	start := time.Now()

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	err := c.Run()
	res := &Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	l.logger.Debug().
		Str("command", cmd.String()).
		Str("user", cmd.User).
		Dur("duration", res.Duration).
		Err(err).
		Msg("command completed")

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Command: cmd.String(), ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return res, &TransportError{Op: "exec", Err: err, IsTemporary: ctx.Err() != nil}
	}
	return res, nil
}

// ReadFile reads a local file.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile replaces path atomically through a temporary file and rename.
func (l *Local) WriteFile(_ context.Context, path string, data []byte, perm fs.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}

// Stat describes a local file.
func (l *Local) Stat(_ context.Context, path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

// Remove deletes a local file or empty directory.
func (l *Local) Remove(_ context.Context, path string) error {
	return os.Remove(path)
}

// MkdirAll creates a local directory tree.
func (l *Local) MkdirAll(_ context.Context, path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

// DialContext dials a local address.
func (l *Local) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return l.dialer.DialContext(ctx, network, addr)
}

// Privileged reports whether podform runs as root.
func (l *Local) Privileged() bool {
	return l.privileged
}

// Close is a no-op for the local transport.
func (l *Local) Close() error {
	return nil
}
