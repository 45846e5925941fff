package mapstack

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"path"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	"gopkg.in/yaml.v3"
)

// Extensions lists the parameter file extensions in lookup order.
var Extensions = []string{".yaml", ".yml", ".json", ".cue", ".hcl"}

// ParamFile is a decoded parameter file.
type ParamFile struct {
	Path       string
	Values     map[string]any
	Strategy   Strategy
	MergeLists bool
	// Extra holds top-level keys other than values, strategy and merge_lists.
	Extra map[string]any
}

// SourceError reports a failure to load or interpret a source.
type SourceError struct {
	Source string
	Path   string
	Err    error
}

func (e *SourceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("source %s (%s): %v", e.Source, e.Path, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// LoadParamFile looks up stem with each known extension and decodes the
// first file found. It returns nil without error when no file exists.
func LoadParamFile(fsys fs.FS, stem string) (*ParamFile, error) {
	for _, ext := range Extensions {
		name := stem + ext
		data, err := fs.ReadFile(fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		doc, err := decodeDocument(name, data)
		if err != nil {
			return nil, err
		}
		return paramFileFrom(name, doc)
	}
	return nil, nil
}

func paramFileFrom(name string, doc map[string]any) (*ParamFile, error) {
	pf := &ParamFile{Path: name, Strategy: StrategySmart, Extra: make(map[string]any)}

	for key, val := range doc {
		switch key {
		case "values":
			if val == nil {
				continue
			}
			values, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: values must be a mapping, got %T", name, val)
			}
			pf.Values = values
		case "strategy":
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%s: strategy must be a string, got %T", name, val)
			}
			strategy, err := ParseStrategy(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			pf.Strategy = strategy
		case "merge_lists":
			b, ok := val.(bool)
			if !ok {
				return nil, fmt.Errorf("%s: merge_lists must be a boolean, got %T", name, val)
			}
			pf.MergeLists = b
		default:
			pf.Extra[key] = val
		}
	}

	return pf, nil
}

func decodeDocument(name string, data []byte) (map[string]any, error) {
	var (
		raw any
		err error
	)

	switch path.Ext(name) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	case ".cue":
		raw, err = decodeCUE(name, data)
	case ".hcl":
		raw, err = decodeHCL(name, data)
	default:
		return nil, fmt.Errorf("%s: unsupported parameter file type", name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	if raw == nil {
		return map[string]any{}, nil
	}
	doc, ok := Normalize(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: top level must be a mapping, got %T", name, raw)
	}
	return doc, nil
}

func decodeCUE(name string, data []byte) (any, error) {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, err
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}

	var out map[string]any
	if err := val.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeHCL(name string, data []byte) (any, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, name)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}

	out := make(map[string]any, len(attrs))
	for key, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, errors.New(diags.Error())
		}
		native, err := ctyToNative(val)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", key, err)
		}
		out[key] = native
	}
	return out, nil
}

// ctyToNative converts a cty value into plain Go values.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, err
		}
		return f, nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
