package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/podform/pkg/config"
	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/formula"
	"github.com/openfroyo/podform/pkg/mapstack"
	"github.com/openfroyo/podform/pkg/policy"
	"github.com/openfroyo/podform/pkg/stores"
	"github.com/openfroyo/podform/pkg/telemetry"
	"github.com/openfroyo/podform/pkg/transports"
	sshtransport "github.com/openfroyo/podform/pkg/transports/ssh"
)

// app holds what one command invocation wires together. Resources are
// opened on first use and released by close.
type app struct {
	opts   *globalOptions
	rt     *config.Runtime
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	out    io.Writer

	transport transports.Transport
	cache     mapstack.Cache
	store     *stores.SQLiteStore
	recorder  *stores.Recorder
	policy    *policy.Engine
	closers   []func() error
}

func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	rt, err := config.LoadRuntime(opts.configPath, opts.configPath != "")
	if err != nil {
		return nil, err
	}
	if err := opts.applyTo(rt); err != nil {
		return nil, err
	}
	if err := rt.Validate(); err != nil {
		return nil, err
	}

	zerolog.SetGlobalLevel(telemetry.ParseLevel(rt.Telemetry.Logging.Level))
	tel, err := telemetry.NewTelemetry(&rt.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	return &app{
		opts:   opts,
		rt:     rt,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		out:    cmd.OutOrStdout(),
	}, nil
}

// applyTo overrides the runtime configuration with the flags that were set.
func (o *globalOptions) applyTo(rt *config.Runtime) error {
	if o.logLevel != "" {
		rt.Telemetry.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		rt.Telemetry.Logging.Format = o.logFormat
	}
	if o.formulaRoot != "" {
		rt.FormulaRoot = o.formulaRoot
	}
	if o.topic != "" {
		rt.Topic = o.topic
	}
	if len(o.pillarFiles) > 0 {
		rt.PillarFiles = o.pillarFiles
	}
	if o.grainsFile != "" {
		rt.GrainsFile = o.grainsFile
	}
	if o.statePath != "" {
		rt.StatePath = o.statePath
	}
	if o.host != "" {
		if err := parseHost(o.host, &rt.Transport); err != nil {
			return err
		}
	}
	return nil
}

// parseHost reads a "[user@]host[:port]" target.
func parseHost(spec string, tc *config.TransportConfig) error {
	tc.Kind = "ssh"
	if at := strings.LastIndex(spec, "@"); at >= 0 {
		tc.User = spec[:at]
		spec = spec[at+1:]
	}
	tc.Host = spec
	if h, p, err := net.SplitHostPort(spec); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid port in host %q", spec)
		}
		tc.Host, tc.Port = h, port
	}
	if tc.Host == "" {
		return fmt.Errorf("host is empty")
	}
	return nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close flushes telemetry and then releases everything opened by the
// app. Events are drained first since subscribers may write to the store.
func (a *app) close(ctx context.Context) error {
	errs := []error{a.tel.Shutdown(ctx)}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// hostTransport connects to the managed host.
func (a *app) hostTransport(ctx context.Context) (transports.Transport, error) {
	if a.transport != nil {
		return a.transport, nil
	}

	tc := a.rt.Transport
	if tc.Kind != "ssh" {
		a.transport = transports.NewLocal(a.logger)
		a.onClose(a.transport.Close)
		return a.transport, nil
	}

	login := tc.User
	if login == "" {
		if u, err := user.Current(); err == nil {
			login = u.Username
		}
	}
	cfg := sshtransport.DefaultConfig(tc.Host, login)
	if tc.Port > 0 {
		cfg.Port = tc.Port
	}
	if tc.PrivateKeyPath != "" {
		cfg.PrivateKeyPath = tc.PrivateKeyPath
	} else if tc.Password != "" {
		cfg.AuthMethod = sshtransport.AuthMethodPassword
		cfg.Password = tc.Password
	} else if home, err := os.UserHomeDir(); err == nil {
		cfg.PrivateKeyPath = filepath.Join(home, ".ssh", "id_ed25519")
	}
	if tc.KnownHostsPath != "" {
		cfg.KnownHostsPath = tc.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = !tc.Insecure
	if tc.Timeout > 0 {
		cfg.ConnectionTimeout = tc.Timeout
	}
	if err := cfg.SetJumpHost(tc.JumpHost); err != nil {
		return nil, err
	}

	client, err := sshtransport.NewClient(cfg, a.logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
	}
	a.transport = client
	a.onClose(client.Close)
	return client, nil
}

// staticGrains merges the grains file and --grain overrides.
func (a *app) staticGrains() (map[string]any, error) {
	grains := map[string]any{}
	if a.rt.GrainsFile != "" {
		loaded, err := config.LoadDataFiles([]string{a.rt.GrainsFile})
		if err != nil {
			return nil, err
		}
		grains = loaded
	}
	for _, kv := range a.opts.grains {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid grain %q, expected key=value", kv)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		grains[key] = mapstack.Normalize(value)
	}
	return grains, nil
}

// hostGrains returns the grains of the managed host. Offline, only the
// static grains are used.
func (a *app) hostGrains(ctx context.Context) (map[string]any, error) {
	static, err := a.staticGrains()
	if err != nil {
		return nil, err
	}
	if a.opts.offline {
		return static, nil
	}

	tp, err := a.hostTransport(ctx)
	if err != nil {
		return nil, err
	}
	return engine.NewGrainsCollector(tp, a.logger).Collect(ctx, static)
}

// mapdataCache opens the configured cache backend.
func (a *app) mapdataCache(ctx context.Context) (mapstack.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	switch a.rt.Cache.Backend {
	case "redis":
		rc, err := mapstack.NewRedisCache(ctx, a.rt.Cache.RedisConfig(), a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(rc.Close)
		a.cache = rc
	case "none":
		return nil, nil
	default:
		a.cache = mapstack.NewMemoryCache()
	}
	return a.cache, nil
}

// newFormula builds the formula of the configured topic for grains.
func (a *app) newFormula(ctx context.Context, grains map[string]any) (*formula.Formula, error) {
	pillar, err := config.LoadDataFiles(a.rt.PillarFiles)
	if err != nil {
		return nil, err
	}
	cache, err := a.mapdataCache(ctx)
	if err != nil {
		return nil, err
	}

	opts := formula.Options{
		Topic:    a.rt.Topic,
		Grains:   grains,
		Pillar:   pillar,
		Options:  a.rt.Options,
		Cache:    cache,
		Observer: a.tel.Metrics,
		Logger:   a.logger,
	}
	if a.rt.FormulaRoot != "" {
		root, err := filepath.Abs(a.rt.FormulaRoot)
		if err != nil {
			return nil, err
		}
		opts.Root = os.DirFS(root)
		opts.RootID = root
	}
	return formula.New(opts)
}

// openStore opens and migrates the run history database.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.rt.StatePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	a.onClose(store.Close)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// runRecorder returns the recorder of the run history. Events are
// recorded from the first call on.
func (a *app) runRecorder(ctx context.Context) (*stores.Recorder, error) {
	if a.recorder != nil {
		return a.recorder, nil
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.recorder = stores.NewRecorder(store, a.logger)
	a.tel.Events.Subscribe(a.recorder.Subscriber(context.WithoutCancel(ctx)), nil)
	return a.recorder, nil
}

// policyEngine creates the policy engine with the configured policies.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if a.policy != nil {
		return a.policy, nil
	}
	eng, err := policy.NewEngine(a.logger, a.tel.Events)
	if err != nil {
		return nil, err
	}
	if len(a.rt.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, a.rt.Policy.Paths); err != nil {
			return nil, err
		}
	}
	a.policy = eng
	return eng, nil
}

// hostID names the managed host in run history.
func hostID(grains map[string]any, rt *config.Runtime) string {
	if id, ok := grains["id"].(string); ok && id != "" {
		return id
	}
	if rt.Transport.Kind == "ssh" {
		return rt.Transport.Host
	}
	return "localhost"
}

// print writes v as YAML, or JSON with --json. The YAML keys are the
// JSON field names.
func (a *app) print(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if a.opts.jsonOutput {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(a.out)
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// withApp runs fn with a wired app and releases it afterwards.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) (err error) {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	ctx := a.tel.WithContext(cmd.Context())
	defer func() {
		err = errors.Join(err, a.close(context.WithoutCancel(ctx)))
	}()
	return fn(ctx, a)
}
