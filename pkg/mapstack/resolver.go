package mapstack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// ParamsDir is the directory, relative to the topic root, holding
// defaults, map_jinja and the per-lookup parameter files.
const ParamsDir = "parameters"

// MapJinjaKey is the mapdata key recording the sources in effect.
const MapJinjaKey = "map_jinja"

// StackEntry records one source that contributed to a result.
type StackEntry struct {
	Source     string   `yaml:"source" json:"source"`
	File       string   `yaml:"file,omitempty" json:"file,omitempty"`
	Lookup     string   `yaml:"lookup,omitempty" json:"lookup,omitempty"`
	Strategy   Strategy `yaml:"strategy" json:"strategy"`
	MergeLists bool     `yaml:"merge_lists" json:"merge_lists"`
}

// Result is resolved mapdata with its provenance.
type Result struct {
	Topic   string         `yaml:"topic" json:"topic"`
	Values  map[string]any `yaml:"values" json:"values"`
	Sources []string       `yaml:"sources" json:"sources"`
	Stack   []StackEntry   `yaml:"stack" json:"stack"`
	Key     string         `yaml:"key" json:"key"`
	Cached  bool           `yaml:"-" json:"cached"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Values = CloneMap(r.Values)
	out.Sources = append([]string(nil), r.Sources...)
	out.Stack = append([]StackEntry(nil), r.Stack...)
	return &out
}

// Hook post-processes merged mapdata before it is cached.
type Hook interface {
	PostMap(ctx context.Context, topic string, mapdata map[string]any) (map[string]any, error)
}

// Observer receives resolver events, typically for metrics.
type Observer interface {
	CacheHit(topic string)
	CacheMiss(topic string)
	Resolved(topic string, layers int, duration time.Duration)
}

// Options configures a Resolver.
type Options struct {
	// Params is the formula file tree rooted at the topic directory.
	Params fs.FS
	// ParamsID identifies the parameter tree in cache keys, e.g. its path.
	ParamsID string
	Lookups  Lookups
	// Cache defaults to a MemoryCache.
	Cache    Cache
	Hook     Hook
	Observer Observer
	Logger   zerolog.Logger
}

// Resolver turns a topic into merged mapdata.
type Resolver struct {
	params   fs.FS
	paramsID string
	lookups  Lookups
	cache    Cache
	hook     Hook
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer
	group    singleflight.Group
}

// NewResolver creates a resolver.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Params == nil {
		return nil, fmt.Errorf("parameter file tree is required")
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Resolver{
		params:   opts.Params,
		paramsID: opts.ParamsID,
		lookups:  opts.Lookups,
		cache:    cache,
		hook:     opts.Hook,
		observer: opts.Observer,
		logger:   opts.Logger.With().Str("component", "mapstack").Logger(),
		tracer:   otel.Tracer("github.com/openfroyo/podform/pkg/mapstack"),
	}, nil
}

// plannedSource is a matcher with its looked-up input.
type plannedSource struct {
	matcher Matcher
	// files holds the parameter file stems selected by a Y matcher.
	files []string
	// value holds the lookup result of a C, G or I matcher.
	value any
	found bool
}

type plan struct {
	topic       string
	sources     []string
	entries     []plannedSource
	strategy    Strategy
	mergeLists  bool
	identifiers []string
}

// Resolve returns the mapdata for topic. Results are cached per topic and
// looked-up inputs; concurrent calls for the same key share one build.
func (r *Resolver) Resolve(ctx context.Context, topic string) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "mapstack.resolve",
		trace.WithAttributes(attribute.String("mapstack.topic", topic)))
	defer span.End()

	res, err := r.resolve(ctx, topic)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("mapstack.cached", res.Cached),
		attribute.Int("mapstack.layers", len(res.Stack)),
	)
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, topic string) (*Result, error) {
	if topic == "" || strings.ContainsAny(topic, "/\\") || strings.Contains(topic, "..") {
		return nil, fmt.Errorf("invalid topic %q", topic)
	}

	p, err := r.plan(topic)
	if err != nil {
		return nil, err
	}
	key := CacheKey(topic, p.identifiers)

	if cached, ok, err := r.cache.Get(ctx, key); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("mapdata cache read failed")
	} else if ok {
		r.logger.Debug().Str("topic", topic).Str("key", key).Msg("mapdata cache hit")
		if r.observer != nil {
			r.observer.CacheHit(topic)
		}
		cached.Cached = true
		return cached, nil
	}
	if r.observer != nil {
		r.observer.CacheMiss(topic)
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		start := time.Now()
		res, err := r.build(ctx, p)
		if err != nil {
			return nil, err
		}
		res.Key = key
		if err := r.cache.Set(ctx, key, res); err != nil {
			r.logger.Warn().Err(err).Str("topic", topic).Msg("mapdata cache write failed")
		}
		if r.observer != nil {
			r.observer.Resolved(topic, len(res.Stack), time.Since(start))
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug().Str("topic", topic).Msg("shared in-flight mapdata resolution")
	}
	return v.(*Result).Clone(), nil
}

// Invalidate drops every cached result.
func (r *Resolver) Invalidate(ctx context.Context) error {
	r.logger.Debug().Msg("invalidating mapdata cache")
	return r.cache.Clear(ctx)
}

// Sources returns the source list in effect for topic.
func (r *Resolver) Sources(topic string) ([]string, error) {
	return r.sourceList(topic)
}

func (r *Resolver) sourceList(topic string) ([]string, error) {
	sources := DefaultSources(topic)

	pf, err := LoadParamFile(r.params, path.Join(ParamsDir, "map_jinja"))
	if err != nil {
		return nil, &SourceError{Source: "map_jinja", Err: err}
	}
	if pf != nil {
		if raw, ok := pf.Values["sources"]; ok {
			list, err := stringList(raw)
			if err != nil {
				return nil, &SourceError{Source: "map_jinja", Path: pf.Path, Err: fmt.Errorf("values.sources: %w", err)}
			}
			sources = list
		}
	}

	if raw, ok := r.lookups.Config().Get(topic+":map_jinja:sources", DefaultDelimiter); ok {
		list, err := stringList(raw)
		if err != nil {
			return nil, &SourceError{Source: topic + ":map_jinja:sources", Err: err}
		}
		sources = list
	}

	return sources, nil
}

func (r *Resolver) plan(topic string) (*plan, error) {
	sources, err := r.sourceList(topic)
	if err != nil {
		return nil, err
	}
	matchers, err := ParseMatchers(sources)
	if err != nil {
		return nil, err
	}

	p := &plan{topic: topic, sources: sources, strategy: StrategySmart}

	config := r.lookups.Config()
	if raw, ok := config.Get(topic+":strategy", DefaultDelimiter); ok {
		s, isString := raw.(string)
		if !isString {
			return nil, fmt.Errorf("%s:strategy must be a string, got %T", topic, raw)
		}
		if p.strategy, err = ParseStrategy(s); err != nil {
			return nil, fmt.Errorf("%s:strategy: %w", topic, err)
		}
	}
	if raw, ok := config.Get(topic+":merge_lists", DefaultDelimiter); ok {
		b, isBool := raw.(bool)
		if !isBool {
			return nil, fmt.Errorf("%s:merge_lists must be a boolean, got %T", topic, raw)
		}
		p.mergeLists = b
	}

	p.identifiers = append(p.identifiers,
		"params="+r.paramsID,
		fmt.Sprintf("strategy=%s/%t", p.strategy, p.mergeLists),
	)

	for _, m := range matchers {
		entry := plannedSource{matcher: m}
		val, found := r.lookups.For(m.QueryType).Get(m.Query, m.Delimiter)

		if m.Type == TypeFile {
			if found {
				entry.files = r.fileStems(m, val)
			}
			p.identifiers = append(p.identifiers, m.String()+"="+strings.Join(entry.files, ","))
		} else {
			entry.value, entry.found = val, found
			p.identifiers = append(p.identifiers, m.String()+"="+digest(val))
		}
		p.entries = append(p.entries, entry)
	}

	return p, nil
}

// fileStems maps a Y matcher's lookup value to parameter file stems.
func (r *Resolver) fileStems(m Matcher, val any) []string {
	var values []string
	switch v := val.(type) {
	case []any:
		for _, item := range v {
			s, ok := scalarString(item)
			if !ok {
				r.logger.Warn().Str("source", m.Raw).Msgf("lookup value item of type %T cannot select a parameter file", item)
				return nil
			}
			values = append(values, s)
		}
	default:
		s, ok := scalarString(v)
		if !ok {
			r.logger.Warn().Str("source", m.Raw).Msgf("lookup value of type %T cannot select a parameter file", v)
			return nil
		}
		values = []string{s}
	}

	dir := path.Join(ParamsDir, strings.ReplaceAll(m.Query, m.Delimiter, "/"))
	stems := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
			r.logger.Warn().Str("source", m.Raw).Str("value", v).Msg("ignoring unsafe lookup value")
			continue
		}
		stem := path.Join(dir, v)
		if !fs.ValidPath(stem) {
			r.logger.Warn().Str("source", m.Raw).Str("value", v).Msg("ignoring unsafe lookup value")
			continue
		}
		stems = append(stems, stem)
	}
	return stems
}

func (r *Resolver) build(ctx context.Context, p *plan) (*Result, error) {
	res := &Result{
		Topic:   p.topic,
		Sources: append([]string(nil), p.sources...),
	}

	defaults, err := LoadParamFile(r.params, path.Join(ParamsDir, "defaults"))
	if err != nil {
		return nil, &SourceError{Source: "defaults", Err: err}
	}
	mapdata := make(map[string]any)
	if defaults != nil {
		mapdata = CloneMap(defaults.Values)
		if mapdata == nil {
			mapdata = make(map[string]any)
		}
		res.Stack = append(res.Stack, StackEntry{
			Source:     "defaults",
			File:       defaults.Path,
			Strategy:   defaults.Strategy,
			MergeLists: defaults.MergeLists,
		})
	} else {
		r.logger.Debug().Str("topic", p.topic).Msg("no defaults file, starting from an empty mapping")
	}

	for _, entry := range p.entries {
		m := entry.matcher
		if m.Type == TypeFile {
			for _, stem := range entry.files {
				pf, err := LoadParamFile(r.params, stem)
				if err != nil {
					return nil, &SourceError{Source: m.Raw, Path: stem, Err: err}
				}
				if pf == nil {
					r.logger.Debug().Str("source", m.Raw).Str("stem", stem).Msg("parameter file not found, skipping")
					continue
				}
				if len(pf.Values) == 0 {
					continue
				}
				mapdata, err = Merge(mapdata, pf.Values, pf.Strategy, pf.MergeLists)
				if err != nil {
					return nil, &SourceError{Source: m.Raw, Path: pf.Path, Err: err}
				}
				res.Stack = append(res.Stack, StackEntry{
					Source:     m.Raw,
					File:       pf.Path,
					Strategy:   pf.Strategy,
					MergeLists: pf.MergeLists,
				})
			}
			continue
		}

		layer, ok := r.lookupLayer(p, entry)
		if !ok {
			continue
		}
		mapdata, err = Merge(mapdata, layer, p.strategy, p.mergeLists)
		if err != nil {
			return nil, &SourceError{Source: m.Raw, Err: err}
		}
		res.Stack = append(res.Stack, StackEntry{
			Source:     m.Raw,
			Lookup:     m.Query,
			Strategy:   p.strategy,
			MergeLists: p.mergeLists,
		})
	}

	mapdata[MapJinjaKey] = map[string]any{"sources": stringsToAny(p.sources)}

	if r.hook != nil {
		out, err := r.hook.PostMap(ctx, p.topic, mapdata)
		if err != nil {
			return nil, fmt.Errorf("post-map hook for %s: %w", p.topic, err)
		}
		if out != nil {
			mapdata = out
		}
	}

	res.Values = mapdata
	r.logger.Debug().Str("topic", p.topic).Int("layers", len(res.Stack)).Msg("resolved mapdata")
	return res, nil
}

// lookupLayer turns a C, G or I lookup into a mapping layer.
func (r *Resolver) lookupLayer(p *plan, entry plannedSource) (map[string]any, bool) {
	m := entry.matcher
	if !entry.found {
		r.logger.Debug().Str("source", m.Raw).Msg("lookup returned nothing, skipping")
		return nil, false
	}

	val := Normalize(entry.value)
	if m.Option == OptionSub {
		return map[string]any{m.lastSegment(): val}, true
	}

	layer, ok := val.(map[string]any)
	if !ok {
		r.logger.Warn().Str("source", m.Raw).Msgf("lookup value of type %T is not a mapping, skipping", val)
		return nil, false
	}
	if m.Query == p.topic {
		layer = CloneMap(layer)
		delete(layer, "strategy")
		delete(layer, "merge_lists")
	}
	if len(layer) == 0 {
		return nil, false
	}
	return layer, true
}

func scalarString(v any) (string, bool) {
	switch v.(type) {
	case string, bool, int, int64, uint64, float64:
		return fmt.Sprint(v), true
	default:
		return "", false
	}
}

func stringList(raw any) ([]string, error) {
	items, ok := Normalize(raw).([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of source matchers, got %T", raw)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("source matcher must be a string, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// digest fingerprints a looked-up value for the cache key.
func digest(v any) string {
	data, err := json.Marshal(Normalize(v))
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
