package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/podform/pkg/transports"
)

// Client is a transports.Transport over one SSH connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}

	sftpMu sync.Mutex
	sftp   *sftp.Client
}

var _ transports.Transport = (*Client)(nil)

// NewClient creates an SSH transport. Connect must be called before use.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection, through the jump host when one
// is configured.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig(c.config.User)
	if err != nil {
		return &transports.TransportError{Op: "connect", Err: err}
	}

	var dialer func(network, addr string) (net.Conn, error)
	if c.config.IsProxyEnabled() {
		proxyConfig, err := c.config.BuildSSHClientConfig(c.config.ProxyUser)
		if err != nil {
			return &transports.TransportError{Op: "connect-proxy", Err: err}
		}
		proxy, err := dialSSH(ctx, netDialer(c.config.ConnectionTimeout), c.config.ProxyAddress(), proxyConfig)
		if err != nil {
			return &transports.TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
		}
		c.logger.Debug().Str("proxy", c.config.ProxyAddress()).Msg("connected to jump host")
		c.proxy = proxy
		dialer = proxy.Dial
	} else {
		dialer = netDialer(c.config.ConnectionTimeout)
	}

	client, err := dialSSH(ctx, dialer, c.config.Address(), clientConfig)
	if err != nil {
		if c.proxy != nil {
			_ = c.proxy.Close()
			c.proxy = nil
		}
		return &transports.TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	c.client = client
	c.connectedAt = time.Now()
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(client, c.stopKeep)
	}

	c.logger.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

func netDialer(timeout time.Duration) func(network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return d.Dial
}

// dialSSH performs the SSH handshake over a connection from dial, giving up
// when ctx ends.
func dialSSH(ctx context.Context, dial func(network, addr string) (net.Conn, error), addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		conn, err := dial("tcp", addr)
		if err != nil {
			ch <- result{err: err}
			return
		}
		ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			_ = conn.Close()
			ch <- result{err: err}
			return
		}
		ch <- result{client: ssh.NewClient(ncc, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		// Close a late connection so it does not leak
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

// Close closes the SFTP session and the SSH connection.
func (c *Client) Close() error {
	c.sftpMu.Lock()
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	c.sftpMu.Unlock()

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	if err != nil {
		return &transports.TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// Privileged reports whether commands run as root on the remote host.
func (c *Client) Privileged() bool {
	return c.config.User == "root"
}

// DialContext forwards a connection through the SSH connection. For
// network "unix" this reaches sockets such as the podman API socket.
func (c *Client) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &transports.TransportError{Op: "dial", Err: fmt.Errorf("%s %s: %w", network, addr, err), IsTemporary: true}
	}
	return conn, nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Msg("keep-alive failed")
				return
			}
		}
	}
}

// getClient returns the underlying SSH client.
func (c *Client) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return nil, &transports.TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}
