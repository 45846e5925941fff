// Package podman is a minimal client for the libpod REST API served on the
// podman unix socket.
package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfroyo/podform/pkg/transports"
)

const (
	// RootSocket is where the system podman service listens.
	RootSocket = "/run/podman/podman.sock"

	apiBase = "http://d/v4.0.0/libpod"

	defaultTimeout = 2 * time.Minute
)

// UserSocket returns the rootless podman socket of the user with uid.
func UserSocket(uid string) string {
	return "/run/user/" + uid + "/podman/podman.sock"
}

// DialFunc opens a connection to the managed host.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client talks to one podman service.
type Client struct {
	base   string
	socket string
	http   *http.Client
	conns  *http.Transport
	logger zerolog.Logger
}

// New returns a client for the service listening on socket, reached through
// dial.
func New(dial DialFunc, socket string, logger zerolog.Logger) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx, "unix", socket)
		},
		MaxIdleConns:    2,
		IdleConnTimeout: 30 * time.Second,
	}
	return &Client{
		base:   apiBase,
		socket: socket,
		conns:  tr,
		http: &http.Client{
			Transport: otelhttp.NewTransport(tr),
			Timeout:   defaultTimeout,
		},
		logger: logger.With().Str("component", "podman").Str("socket", socket).Logger(),
	}
}

// Close drops the idle connections to the socket. Over ssh each one holds
// a channel open. The client stays usable.
func (c *Client) Close() {
	c.conns.CloseIdleConnections()
}

// Connect finds the podman socket for user (root when empty) on the host
// behind tp and returns a client for it.
func Connect(ctx context.Context, tp transports.Transport, user string, logger zerolog.Logger) (*Client, error) {
	socket, err := FindSocket(ctx, tp, user)
	if err != nil {
		return nil, err
	}
	return New(tp.DialContext, socket, logger), nil
}

// FindSocket locates the podman socket of user, or the system socket when
// user is empty.
func FindSocket(ctx context.Context, tp transports.Transport, user string) (string, error) {
	if user == "" {
		if _, err := tp.Stat(ctx, RootSocket); err != nil {
			return "", errors.New("Could not find podman socket")
		}
		return RootSocket, nil
	}

	uid, err := LookupUID(ctx, tp, user)
	if err != nil {
		return "", err
	}
	socket := UserSocket(uid)
	if _, err := tp.Stat(ctx, socket); err != nil {
		return "", fmt.Errorf("Could not find podman socket for user %s", user)
	}
	return socket, nil
}

// LookupUID resolves the numeric uid of user on the host.
func LookupUID(ctx context.Context, tp transports.Transport, user string) (string, error) {
	res, err := tp.Run(ctx, transports.Command{Name: "id", Args: []string{"-u", user}})
	if err != nil {
		var exitErr *transports.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("Could not find uid of user %s", user)
		}
		return "", err
	}
	uid := strings.TrimSpace(res.Stdout)
	if _, err := strconv.Atoi(uid); err != nil {
		return "", fmt.Errorf("Could not find uid of user %s", user)
	}
	return uid, nil
}

// Socket returns the socket path the client dials.
func (c *Client) Socket() string {
	return c.socket
}

// Ping checks that the service answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "ping", http.MethodGet, "/_ping", nil, nil)
	if err != nil {
		return err
	}
	return drain(resp)
}

// do sends a request and returns the response for 2xx and 304 statuses.
// Other statuses are turned into an *APIError.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &APIError{Sentinel: ErrBadRequest, Operation: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Sentinel: ErrUnavailable, Operation: op, Err: unwrapURLError(err)}
	}
	c.logger.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("podman request")

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusNotModified {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, &APIError{
		Sentinel:  sentinelFor(resp.StatusCode),
		Operation: op,
		Status:    resp.StatusCode,
		Message:   errorMessage(resp.Body),
	}
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, &APIError{Sentinel: ErrBadRequest, Operation: op, Err: err}
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, op, method, path, query, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNotModified || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, &APIError{Sentinel: ErrBadResponse, Operation: op, Status: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, nil
}

// errorMessage extracts the message of a libpod error body
// ({"cause": ..., "message": ..., "response": ...}), falling back to the raw
// text.
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var body struct {
		Cause   string `json:"cause"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}

func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func drain(resp *http.Response) error {
	defer resp.Body.Close()
	_, err := io.Copy(io.Discard, resp.Body)
	return err
}

func escape(name string) string {
	return url.PathEscape(name)
}

func decode(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
