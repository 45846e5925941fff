// Package formula resolves the podman formula's mapdata and renders it into
// state declarations.
//
// The formula tree holds one directory per topic:
//
//	podman/
//	  parameters/defaults.yaml
//	  parameters/map_jinja.yaml
//	  parameters/<grain>/<value>.yaml
//	  post-map.star
//	  files/<switch>/<file>
//
// A copy is compiled into the binary; a directory on disk can replace it.
package formula

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/podform/pkg/config"
	"github.com/openfroyo/podform/pkg/engine"
	"github.com/openfroyo/podform/pkg/mapstack"
	"github.com/openfroyo/podform/pkg/tofs"
)

// DefaultTopic is the topic of the built-in formula.
const DefaultTopic = "podman"

// PostMapScript is the post-map hook path relative to the topic directory.
const PostMapScript = "post-map.star"

//go:embed all:podman
var builtin embed.FS

// Builtin returns the formula tree compiled into the binary.
func Builtin() fs.FS {
	return builtin
}

// Options configures a Formula.
type Options struct {
	// Root is the formula tree. It defaults to Builtin().
	Root fs.FS
	// RootID identifies Root in cache keys.
	RootID string
	Topic  string

	Grains  map[string]any
	Pillar  map[string]any
	Options map[string]any

	Cache    mapstack.Cache
	Observer mapstack.Observer
	// Schemas validates mapdata. It defaults to the built-in schemas.
	Schemas     *config.SchemaRegistry
	HookTimeout time.Duration
	Logger      zerolog.Logger
}

// Formula resolves one topic of a formula tree for one host.
type Formula struct {
	topic    string
	root     fs.FS
	lookups  mapstack.Lookups
	resolver *mapstack.Resolver
	schemas  *config.SchemaRegistry
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// New creates a Formula.
func New(opts Options) (*Formula, error) {
	if opts.Root == nil {
		opts.Root = Builtin()
		if opts.RootID == "" {
			opts.RootID = "builtin"
		}
	}
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.Schemas == nil {
		opts.Schemas = config.NewSchemaRegistry()
	}

	topicFS, err := fs.Sub(opts.Root, opts.Topic)
	if err != nil {
		return nil, fmt.Errorf("formula topic %s: %w", opts.Topic, err)
	}
	if _, err := fs.Stat(topicFS, "."); err != nil {
		return nil, fmt.Errorf("formula topic %s not found: %w", opts.Topic, err)
	}

	logger := opts.Logger.With().Str("component", "formula").Str("topic", opts.Topic).Logger()
	lookups := mapstack.Lookups{
		Options: mapstack.MapLookup(opts.Options),
		Grains:  mapstack.MapLookup(opts.Grains),
		Pillar:  mapstack.MapLookup(opts.Pillar),
	}

	resolver, err := mapstack.NewResolver(mapstack.Options{
		Params:   topicFS,
		ParamsID: opts.RootID + "/" + opts.Topic,
		Lookups:  lookups,
		Cache:    opts.Cache,
		Hook:     config.NewStarlarkHook(topicFS, PostMapScript, opts.Grains, opts.HookTimeout, logger),
		Observer: opts.Observer,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Formula{
		topic:    opts.Topic,
		root:     opts.Root,
		lookups:  lookups,
		resolver: resolver,
		schemas:  opts.Schemas,
		logger:   logger,
		tracer:   otel.Tracer("github.com/openfroyo/podform/pkg/formula"),
	}, nil
}

// Topic returns the resolved topic.
func (f *Formula) Topic() string {
	return f.topic
}

// Files returns the formula tree that file sources resolve against.
func (f *Formula) Files() fs.FS {
	return f.root
}

// Resolver returns the underlying resolver, e.g. to invalidate its cache.
func (f *Formula) Resolver() *mapstack.Resolver {
	return f.resolver
}

// Mapdata resolves and validates the topic's mapdata.
func (f *Formula) Mapdata(ctx context.Context) (*mapstack.Result, error) {
	res, err := f.resolver.Resolve(ctx, f.topic)
	if err != nil {
		return nil, err
	}
	if err := f.schemas.ValidateMapdata(ctx, f.topic, res.Values); err != nil {
		return nil, err
	}
	return res, nil
}

// Params resolves mapdata and decodes it.
func (f *Formula) Params(ctx context.Context) (*Params, *mapstack.Result, error) {
	res, err := f.Mapdata(ctx)
	if err != nil {
		return nil, nil, err
	}
	p, err := DecodeParams(res.Values)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", f.topic, err)
	}
	return p, res, nil
}

// Render resolves mapdata and renders the requested units.
func (f *Formula) Render(ctx context.Context, units ...Unit) ([]engine.State, *mapstack.Result, error) {
	ctx, span := f.tracer.Start(ctx, "formula.render",
		trace.WithAttributes(attribute.String("formula.topic", f.topic)))
	defer span.End()

	p, res, err := f.Params(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	states, err := Render(f.topic, p, f.lookups.Config(), tofs.FromMapdata(f.topic, res.Values), units...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	span.SetAttributes(attribute.Int("formula.states", len(states)))
	span.SetStatus(codes.Ok, "")
	f.logger.Debug().Int("states", len(states)).Bool("cached", res.Cached).Msg("rendered states")
	return states, res, nil
}

// FileSources returns the tofs candidates for files under lookupKey and
// the first candidate present in the formula tree. The candidates are
// returned even when none exists.
func (f *Formula) FileSources(ctx context.Context, lookupKey string, files ...string) ([]string, string, error) {
	res, err := f.Mapdata(ctx)
	if err != nil {
		return nil, "", err
	}
	candidates := tofs.FromMapdata(f.topic, res.Values).Candidates(f.lookups.Config(), files, lookupKey)
	src, err := tofs.Resolve(f.root, candidates)
	return candidates, src, err
}
