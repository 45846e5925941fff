package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/podform/pkg/mapstack"
	"github.com/openfroyo/podform/pkg/telemetry"
)

// DefaultRuntimeFile is the runtime configuration file looked up in the
// working directory when no path is given.
const DefaultRuntimeFile = "podform.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PODFORM_"

// Runtime is the podform runtime configuration.
type Runtime struct {
	// FormulaRoot is a directory holding the formula tree. Empty means the
	// formula compiled into the binary.
	FormulaRoot string `yaml:"formula_root"`

	// Topic is the formula topic resolved by default.
	Topic string `yaml:"topic" validate:"required,excludesall=/\\"`

	// PillarFiles are merged in order into the pillar lookup.
	PillarFiles []string `yaml:"pillar_files"`

	// GrainsFile holds static grains that override collected ones.
	GrainsFile string `yaml:"grains_file"`

	// Options is the base of the config lookup; pillar values win over it.
	Options map[string]interface{} `yaml:"options"`

	// StatePath is the sqlite database recording run history.
	StatePath string `yaml:"state_path" validate:"required"`

	// Concurrency bounds how many states of one level run in parallel.
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=64"`

	Cache     CacheConfig      `yaml:"cache"`
	Transport TransportConfig  `yaml:"transport"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// CacheConfig selects the mapdata cache backend.
type CacheConfig struct {
	Backend  string        `yaml:"backend" validate:"oneof=memory redis none"`
	Addr     string        `yaml:"addr" validate:"required_if=Backend redis"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// RedisConfig converts the cache settings for the redis backend.
func (c CacheConfig) RedisConfig() mapstack.RedisConfig {
	return mapstack.RedisConfig{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		Prefix:   c.Prefix,
		TTL:      c.TTL,
	}
}

// TransportConfig selects how the managed host is reached.
type TransportConfig struct {
	Kind string `yaml:"kind" validate:"oneof=local ssh"`

	Host           string        `yaml:"host" validate:"required_if=Kind ssh"`
	Port           int           `yaml:"port" validate:"gte=0,lte=65535"`
	User           string        `yaml:"user"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	Password       string        `yaml:"password"`
	KnownHostsPath string        `yaml:"known_hosts_path"`
	Insecure       bool          `yaml:"insecure_ignore_host_key"`
	JumpHost       string        `yaml:"jump_host"`
	Timeout        time.Duration `yaml:"timeout"`
}

// PolicyConfig configures the policy checks run before apply.
type PolicyConfig struct {
	Paths []string `yaml:"paths"`
	Mode  string   `yaml:"mode" validate:"oneof=advisory enforcing"`
}

// DefaultRuntime returns the runtime configuration used when no file is present.
func DefaultRuntime() *Runtime {
	return &Runtime{
		Topic:       "podman",
		StatePath:   "podform.db",
		Concurrency: 4,
		Options:     map[string]interface{}{},
		Cache: CacheConfig{
			Backend: "memory",
			Prefix:  "podform:mapdata:",
			TTL:     time.Hour,
		},
		Transport: TransportConfig{
			Kind:    "local",
			Port:    22,
			Timeout: 30 * time.Second,
		},
		Policy: PolicyConfig{
			Mode: "advisory",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadRuntime reads the runtime configuration from path over the defaults,
// applies PODFORM_* environment overrides and validates the result. A
// missing file is only an error when the path was given explicitly.
func LoadRuntime(path string, explicit bool) (*Runtime, error) {
	rt := DefaultRuntime()

	if path == "" {
		path = DefaultRuntimeFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, rt); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := rt.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := rt.Validate(); err != nil {
		return nil, err
	}
	return rt, nil
}

// ApplyEnv overrides fields from PODFORM_* variables returned by lookup.
func (r *Runtime) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	str("FORMULA_ROOT", &r.FormulaRoot)
	str("TOPIC", &r.Topic)
	str("GRAINS_FILE", &r.GrainsFile)
	str("STATE_PATH", &r.StatePath)
	str("CACHE_BACKEND", &r.Cache.Backend)
	str("REDIS_ADDR", &r.Cache.Addr)
	str("REDIS_PASSWORD", &r.Cache.Password)
	str("TRANSPORT", &r.Transport.Kind)
	str("SSH_HOST", &r.Transport.Host)
	str("SSH_USER", &r.Transport.User)
	str("SSH_KEY", &r.Transport.PrivateKeyPath)
	str("LOG_LEVEL", &r.Telemetry.Logging.Level)
	str("LOG_FORMAT", &r.Telemetry.Logging.Format)
	str("METRICS_ADDR", &r.Telemetry.Metrics.ListenAddress)
	str("TRACE_EXPORTER", &r.Telemetry.Tracing.Exporter)
	str("TRACE_ENDPOINT", &r.Telemetry.Tracing.Endpoint)

	if v, ok := lookup(EnvPrefix + "PILLAR_FILES"); ok {
		r.PillarFiles = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sCONCURRENCY %q: %w", EnvPrefix, v, err)
		}
		r.Concurrency = n
	}
	if v, ok := lookup(EnvPrefix + "TRACING"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sTRACING %q: %w", EnvPrefix, v, err)
		}
		r.Telemetry.Tracing.Enabled = enabled
	}
	return nil
}

// Validate checks the runtime configuration.
func (r *Runtime) Validate() error {
	if err := validator.New().Struct(r); err != nil {
		return fmt.Errorf("invalid runtime configuration: %w", err)
	}
	if err := r.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// LoadDataFiles merges YAML mapping files in order, later files winning.
// It is used for pillar and static grains files.
func LoadDataFiles(paths []string) (map[string]interface{}, error) {
	merged := map[string]interface{}{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if doc == nil {
			continue
		}
		values, ok := mapstack.Normalize(doc).(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: top level must be a mapping", path)
		}
		merged, err = mapstack.Merge(merged, values, mapstack.StrategyRecurse, false)
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
