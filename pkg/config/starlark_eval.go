package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// PostMapFunction is the function a post-map script must define.
const PostMapFunction = "post_map"

// StarlarkHook runs a formula's post-map Starlark script over resolved
// mapdata. The script defines post_map(mapdata, grains) returning a dict.
type StarlarkHook struct {
	fsys    fs.FS
	path    string
	grains  map[string]interface{}
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStarlarkHook creates a hook for the script at path inside fsys.
// A missing script leaves mapdata unchanged.
func NewStarlarkHook(fsys fs.FS, path string, grains map[string]interface{}, timeout time.Duration, logger zerolog.Logger) *StarlarkHook {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkHook{
		fsys:    fsys,
		path:    path,
		grains:  grains,
		timeout: timeout,
		logger:  logger,
	}
}

// PostMap implements the mapstack hook interface.
func (h *StarlarkHook) PostMap(ctx context.Context, topic string, mapdata map[string]interface{}) (map[string]interface{}, error) {
	script, err := fs.ReadFile(h.fsys, h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return mapdata, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", h.path, err)
	}

	start := time.Now()
	out, err := h.evaluate(ctx, topic, script, mapdata)
	if err != nil {
		return nil, err
	}
	h.logger.Debug().
		Str("topic", topic).
		Str("script", h.path).
		Dur("duration", time.Since(start)).
		Msg("post-map hook applied")
	return out, nil
}

func (h *StarlarkHook) evaluate(ctx context.Context, topic string, script []byte, mapdata map[string]interface{}) (map[string]interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "post-map:" + topic,
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Debug().Str("topic", topic).Msg(msg)
		},
	}

	// Cancel the thread when the context ends; Cancel is safe to call
	// from another goroutine
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-stop:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"topic":  starlark.String(topic),
	}

	globals, err := starlark.ExecFile(thread, h.path, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("post-map script %s failed: %w", h.path, err)
	}

	fn, ok := globals[PostMapFunction].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("post-map script %s does not define %s(mapdata, grains)", h.path, PostMapFunction)
	}

	mapdataVal, err := toStarlarkValue(mapdata)
	if err != nil {
		return nil, fmt.Errorf("failed to convert mapdata: %w", err)
	}
	grainsVal, err := toStarlarkValue(h.grains)
	if err != nil {
		return nil, fmt.Errorf("failed to convert grains: %w", err)
	}

	ret, err := starlark.Call(thread, fn, starlark.Tuple{mapdataVal, grainsVal}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s in %s failed: %w", PostMapFunction, h.path, err)
	}

	goVal, err := fromStarlarkValue(ret)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s result: %w", PostMapFunction, err)
	}
	out, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s in %s must return a dict, got %s", PostMapFunction, h.path, ret.Type())
	}
	return out, nil
}

// toStarlarkValue converts decoded mapdata to a Starlark value. Mappings
// become dicts with sorted keys so iteration in scripts is stable.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]interface{}, len(val))
		for i := range val {
			items[i] = val[i]
		}
		return toStarlarkValue(items)
	case []interface{}:
		elems := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			elem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, elem)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			elem, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), elem); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fromStarlarkValue converts a script result back to mapdata. Integers come
// back as int so results compare equal to YAML-decoded parameters; lists
// and tuples both become slices; structs become mappings.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok || i > math.MaxInt || i < math.MinInt {
			return nil, fmt.Errorf("integer %s out of range", val)
		}
		return int(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List, starlark.Tuple:
		seq := val.(starlark.Indexable)
		out := make([]interface{}, seq.Len())
		for i := range out {
			elem, err := fromStarlarkValue(seq.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, kv := range val.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			elem, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = elem
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			elem, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out[name] = elem
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
}
