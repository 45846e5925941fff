package ssh

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/sftp"

	"github.com/openfroyo/podform/pkg/transports"
)

// sftpClient returns the cached SFTP session, opening it on first use.
func (c *Client) sftpClient() (*sftp.Client, error) {
	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()

	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	c.sftp = sc
	return sc, nil
}

// ReadFile reads a remote file over SFTP.
func (c *Client) ReadFile(ctx context.Context, name string) ([]byte, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := sc.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(contextReader{ctx: ctx, r: f})
}

// WriteFile writes to a temporary file next to name and renames it into
// place, so readers never see a partial file.
func (c *Client) WriteFile(ctx context.Context, name string, data []byte, perm fs.FileMode) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return err
	}
	tmp := path.Join(path.Dir(name), "."+path.Base(name)+".podform-"+hex.EncodeToString(suffix))

	f, err := sc.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return &transports.TransportError{Op: "write", Err: fmt.Errorf("failed to create %s: %w", tmp, err)}
	}

	cleanup := func(cause error) error {
		_ = f.Close()
		_ = sc.Remove(tmp)
		return &transports.TransportError{Op: "write", Err: cause}
	}

	if _, err := io.Copy(f, contextReader{ctx: ctx, r: bytes.NewReader(data)}); err != nil {
		return cleanup(fmt.Errorf("failed to write %s: %w", tmp, err))
	}
	if err := f.Chmod(perm); err != nil {
		return cleanup(fmt.Errorf("failed to chmod %s: %w", tmp, err))
	}
	if err := f.Close(); err != nil {
		_ = sc.Remove(tmp)
		return &transports.TransportError{Op: "write", Err: err}
	}
	if err := sc.PosixRename(tmp, name); err != nil {
		_ = sc.Remove(tmp)
		return &transports.TransportError{Op: "write", Err: fmt.Errorf("failed to rename %s: %w", tmp, err)}
	}

	c.logger.Debug().Str("path", name).Int("bytes", len(data)).Msg("file written")
	return nil
}

// Stat describes a remote file.
func (c *Client) Stat(_ context.Context, name string) (fs.FileInfo, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	return sc.Stat(name)
}

// Remove deletes a remote file or empty directory.
func (c *Client) Remove(_ context.Context, name string) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	return sc.Remove(name)
}

// MkdirAll creates a remote directory tree and sets perm on the leaf.
func (c *Client) MkdirAll(_ context.Context, name string, perm fs.FileMode) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(name); err != nil {
		return err
	}
	return sc.Chmod(name, perm)
}

// contextReader stops a copy when the context ends.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
