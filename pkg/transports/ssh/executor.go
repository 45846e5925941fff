package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/podform/pkg/transports"
)

// Run executes cmd in a new SSH session.
func (c *Client) Run(ctx context.Context, cmd transports.Command) (*transports.Result, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if cmd.Stdin != nil {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	line := transports.ShellQuote(transports.Argv(cmd, c.Privileged()))
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		execErr = ctx.Err()
	case execErr = <-done:
	}

	res := &transports.Result{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}

	c.logger.Debug().
		Str("command", cmd.String()).
		Str("user", cmd.User).
		Dur("duration", res.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, &transports.ExitError{Command: cmd.String(), ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return res, &transports.TransportError{Op: "exec", Err: execErr, IsTemporary: true}
	}
	return res, nil
}
