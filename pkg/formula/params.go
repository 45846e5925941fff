package formula

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Params is the typed view of podman mapdata.
type Params struct {
	// Version pins the package version; "latest" keeps it upgraded.
	Version    string                     `yaml:"version"`
	Lookup     Lookup                     `yaml:"lookup"`
	Config     ConfigFiles                `yaml:"config"`
	PolicyJSON PolicyJSON                 `yaml:"policy_json"`
	Service    ServiceParams              `yaml:"service"`
	Containers map[string]ContainerParams `yaml:"containers" validate:"dive"`
	Secrets    map[string]SecretParams    `yaml:"secrets" validate:"dive"`
	Users      map[string]UserParams      `yaml:"users"`
	Compose    map[string]ComposeParams   `yaml:"compose" validate:"dive"`
}

// Lookup holds the OS-dependent names and paths.
type Lookup struct {
	Rootgroup string `yaml:"rootgroup"`
	Pkg       struct {
		Name  string   `yaml:"name" validate:"required"`
		Extra []string `yaml:"extra" validate:"dive,required"`
	} `yaml:"pkg"`
	Service struct {
		Name string `yaml:"name" validate:"required"`
	} `yaml:"service"`
	Paths Paths `yaml:"paths"`
}

// Paths are the managed configuration files on the host.
type Paths struct {
	ContainersConf string `yaml:"containers_conf" validate:"required,startswith=/"`
	RegistriesConf string `yaml:"registries_conf" validate:"required,startswith=/"`
	StorageConf    string `yaml:"storage_conf" validate:"required,startswith=/"`
	PolicyJSON     string `yaml:"policy_json" validate:"required,startswith=/"`
}

// ConfigFiles holds the TOML documents of the containers config files. An
// empty section leaves the file unmanaged.
type ConfigFiles struct {
	Containers map[string]any `yaml:"containers"`
	Registries map[string]any `yaml:"registries"`
	Storage    map[string]any `yaml:"storage"`
}

// PolicyJSON controls the image trust policy file. Its source is looked up
// with TOFS.
type PolicyJSON struct {
	Managed bool   `yaml:"managed"`
	Source  string `yaml:"source"`
}

// ServiceParams configures the system podman socket.
type ServiceParams struct {
	Enable *bool `yaml:"enable"`
}

// ContainerParams declares one container.
type ContainerParams struct {
	Image     string            `yaml:"image" validate:"required_unless=State absent"`
	Command   stringList        `yaml:"command"`
	Env       map[string]any    `yaml:"env"`
	SecretEnv map[string]string `yaml:"secret_env"`
	Ports     []string          `yaml:"ports" validate:"dive,required"`
	Volumes   []string          `yaml:"volumes" validate:"dive,required"`
	Labels    map[string]string `yaml:"labels"`
	RunAs     string            `yaml:"run_as"`
	// User runs the container rootless under this account.
	User   string `yaml:"user"`
	State  string `yaml:"state" validate:"omitempty,oneof=running present dead absent"`
	Remove bool   `yaml:"remove"`
}

// SecretParams declares one podman secret.
type SecretParams struct {
	Data      *string `yaml:"data" validate:"required_unless=Absent true"`
	Driver    string  `yaml:"driver"`
	Overwrite bool    `yaml:"overwrite"`
	User      string  `yaml:"user"`
	Absent    bool    `yaml:"absent"`
}

// ComposeParams declares one podman-compose project, keyed by project
// name. Contents, when set, are written to File before installing.
type ComposeParams struct {
	File          string  `yaml:"file" validate:"required,startswith=/"`
	Contents      *string `yaml:"contents"`
	User          string  `yaml:"user"`
	State         string  `yaml:"state" validate:"omitempty,oneof=running installed dead absent"`
	Enable        *bool   `yaml:"enable"`
	RemoveOrphans *bool   `yaml:"remove_orphans"`
	// Volumes removes the project's volumes together with it.
	Volumes bool `yaml:"volumes"`
}

// UserParams configures a rootless podman user. Both switches default to
// true.
type UserParams struct {
	Linger *bool `yaml:"linger"`
	Socket *bool `yaml:"socket"`
}

func (u UserParams) linger() bool { return u.Linger == nil || *u.Linger }

func (u UserParams) socket() bool { return u.linger() && (u.Socket == nil || *u.Socket) }

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

// DecodeParams decodes and validates mapdata. Keys Params does not know
// are ignored.
func DecodeParams(mapdata map[string]any) (*Params, error) {
	raw, err := yaml.Marshal(mapdata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mapdata: %w", err)
	}
	var p Params
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode mapdata: %w", err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	return &p, nil
}

// userParams returns the rootless users: the declared ones plus every
// user a container, secret or compose project runs as.
func (p *Params) userParams() map[string]UserParams {
	users := make(map[string]UserParams, len(p.Users))
	for name, u := range p.Users {
		users[name] = u
	}
	for _, c := range p.Containers {
		if _, ok := users[c.User]; c.User != "" && !ok {
			users[c.User] = UserParams{}
		}
	}
	for _, s := range p.Secrets {
		if _, ok := users[s.User]; s.User != "" && !ok {
			users[s.User] = UserParams{}
		}
	}
	for _, c := range p.Compose {
		if _, ok := users[c.User]; c.User != "" && !ok {
			users[c.User] = UserParams{}
		}
	}
	return users
}
