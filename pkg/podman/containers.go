package podman

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Container is an entry of the container list.
type Container struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Labels map[string]string `json:"Labels"`
}

// HasName reports whether the container is known by name.
func (c Container) HasName(name string) bool {
	return slices.Contains(c.Names, name)
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	// SecretEnv maps environment variables to the secrets that fill them.
	SecretEnv map[string]string
	// Ports are published ports in podman's "[ip:]host:container[/proto]"
	// notation.
	Ports []string
	// Volumes are "source:dest[:options]"; absolute sources are bind
	// mounts, anything else names a volume.
	Volumes []string
	Labels  map[string]string
	User    string
	Remove  bool
}

type portMapping struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      uint16 `json:"host_port,omitempty"`
	ContainerPort uint16 `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

type mount struct {
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Options     []string `json:"options,omitempty"`
}

type namedVolume struct {
	Name    string   `json:"Name"`
	Dest    string   `json:"Dest"`
	Options []string `json:"Options,omitempty"`
}

// specGenerator is the subset of libpod's SpecGenerator we send.
type specGenerator struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	SecretEnv    map[string]string `json:"secret_env,omitempty"`
	PortMappings []portMapping     `json:"portmappings,omitempty"`
	Mounts       []mount           `json:"mounts,omitempty"`
	Volumes      []namedVolume     `json:"volumes,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	User         string            `json:"user,omitempty"`
	Remove       bool              `json:"remove,omitempty"`
}

func (s ContainerSpec) generator() (*specGenerator, error) {
	gen := &specGenerator{
		Name:      s.Name,
		Image:     s.Image,
		Command:   s.Command,
		Env:       s.Env,
		SecretEnv: s.SecretEnv,
		Labels:    s.Labels,
		User:      s.User,
		Remove:    s.Remove,
	}
	for _, p := range s.Ports {
		pm, err := parsePort(p)
		if err != nil {
			return nil, err
		}
		gen.PortMappings = append(gen.PortMappings, pm)
	}
	for _, v := range s.Volumes {
		parts := strings.SplitN(v, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid volume %q: expected source:dest[:options]", v)
		}
		var opts []string
		if len(parts) == 3 && parts[2] != "" {
			opts = strings.Split(parts[2], ",")
		}
		if strings.HasPrefix(parts[0], "/") {
			gen.Mounts = append(gen.Mounts, mount{Type: "bind", Source: parts[0], Destination: parts[1], Options: opts})
		} else {
			gen.Volumes = append(gen.Volumes, namedVolume{Name: parts[0], Dest: parts[1], Options: opts})
		}
	}
	return gen, nil
}

// parsePort parses "[ip:]host:container[/proto]" or "container[/proto]".
func parsePort(spec string) (portMapping, error) {
	var pm portMapping
	rest := spec
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		pm.Protocol = rest[i+1:]
		rest = rest[:i]
		if pm.Protocol != "tcp" && pm.Protocol != "udp" && pm.Protocol != "sctp" {
			return pm, fmt.Errorf("invalid port %q: unknown protocol %s", spec, pm.Protocol)
		}
	}

	parts := strings.Split(rest, ":")
	var host, ctr string
	switch len(parts) {
	case 1:
		ctr = parts[0]
	case 2:
		host, ctr = parts[0], parts[1]
	case 3:
		pm.HostIP, host, ctr = parts[0], parts[1], parts[2]
	default:
		return pm, fmt.Errorf("invalid port %q", spec)
	}

	c, err := strconv.ParseUint(ctr, 10, 16)
	if err != nil || c == 0 {
		return pm, fmt.Errorf("invalid port %q: bad container port", spec)
	}
	pm.ContainerPort = uint16(c)
	if host != "" {
		h, err := strconv.ParseUint(host, 10, 16)
		if err != nil {
			return pm, fmt.Errorf("invalid port %q: bad host port", spec)
		}
		pm.HostPort = uint16(h)
	}
	return pm, nil
}

// ListContainers lists all containers, running or not.
func (c *Client) ListContainers(ctx context.Context) ([]Container, error) {
	var out []Container
	q := url.Values{"all": {"true"}}
	if _, err := c.doJSON(ctx, "list containers", http.MethodGet, "/containers/json", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindContainer returns the container named name, or nil.
func (c *Client) FindContainer(ctx context.Context, name string) (*Container, error) {
	list, err := c.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].HasName(name) {
			return &list[i], nil
		}
	}
	return nil, nil
}

// CreateContainer creates a container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	gen, err := spec.generator()
	if err != nil {
		return "", err
	}
	var out struct {
		ID       string   `json:"Id"`
		Warnings []string `json:"Warnings"`
	}
	if _, err := c.doJSON(ctx, "create container", http.MethodPost, "/containers/create", nil, gen, &out); err != nil {
		return "", err
	}
	for _, w := range out.Warnings {
		c.logger.Warn().Str("container", spec.Name).Msg(w)
	}
	return out.ID, nil
}

// CreateContainerPulling creates a container, pulling the image once when
// podman does not know it.
func (c *Client) CreateContainerPulling(ctx context.Context, spec ContainerSpec) (string, error) {
	id, err := c.CreateContainer(ctx, spec)
	if err == nil || !IsImageNotKnown(err) {
		return id, err
	}
	c.logger.Info().Str("image", spec.Image).Msg("Image not present, pulling")
	if err := c.Pull(ctx, spec.Image); err != nil {
		return "", err
	}
	return c.CreateContainer(ctx, spec)
}

// StartContainer starts a container. Starting a running container is not an
// error.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	_, err := c.doJSON(ctx, "start container", http.MethodPost, "/containers/"+escape(name)+"/start", nil, nil, nil)
	return err
}

// StopContainer stops a container, killing it after timeout seconds when
// timeout is positive.
func (c *Client) StopContainer(ctx context.Context, name string, timeout int) error {
	var q url.Values
	if timeout > 0 {
		q = url.Values{"timeout": {strconv.Itoa(timeout)}}
	}
	_, err := c.doJSON(ctx, "stop container", http.MethodPost, "/containers/"+escape(name)+"/stop", q, nil, nil)
	return err
}

// RestartContainer restarts a container.
func (c *Client) RestartContainer(ctx context.Context, name string, timeout int) error {
	var q url.Values
	if timeout > 0 {
		q = url.Values{"t": {strconv.Itoa(timeout)}}
	}
	_, err := c.doJSON(ctx, "restart container", http.MethodPost, "/containers/"+escape(name)+"/restart", q, nil, nil)
	return err
}

// UnpauseContainer resumes a paused container.
func (c *Client) UnpauseContainer(ctx context.Context, name string) error {
	_, err := c.doJSON(ctx, "unpause container", http.MethodPost, "/containers/"+escape(name)+"/unpause", nil, nil, nil)
	return err
}

// RemoveContainer deletes a container.
func (c *Client) RemoveContainer(ctx context.Context, name string, force, volumes bool) error {
	q := url.Values{
		"force": {strconv.FormatBool(force)},
		"v":     {strconv.FormatBool(volumes)},
	}
	_, err := c.doJSON(ctx, "remove container", http.MethodDelete, "/containers/"+escape(name), q, nil, nil)
	return err
}
