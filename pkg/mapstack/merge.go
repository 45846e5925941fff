package mapstack

import (
	"fmt"
	"reflect"
	"strings"
)

// Strategy selects how a layer is folded into the accumulated mapdata.
type Strategy string

const (
	// StrategySmart is the default and behaves like StrategyRecurse.
	StrategySmart Strategy = "smart"

	// StrategyRecurse deep-merges mappings. Lists are replaced unless
	// merge_lists is set on the layer.
	StrategyRecurse Strategy = "recurse"

	// StrategyAggregate deep-merges mappings and always concatenates lists,
	// at every depth and keeping duplicates. This differs from Salt's
	// merge_aggregate, which aggregates only the top level and skips items
	// already present.
	StrategyAggregate Strategy = "aggregate"

	// StrategyOverwrite replaces top-level keys of the accumulator with the
	// layer's keys.
	StrategyOverwrite Strategy = "overwrite"
)

// ParseStrategy converts a strategy name. The empty string maps to smart.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategySmart:
		return StrategySmart, nil
	case StrategyRecurse:
		return StrategyRecurse, nil
	case StrategyAggregate:
		return StrategyAggregate, nil
	case StrategyOverwrite:
		return StrategyOverwrite, nil
	default:
		return "", fmt.Errorf("unknown merge strategy %q", s)
	}
}

// Merge folds src into a deep copy of dst and returns the copy.
// Neither input is modified.
func Merge(dst, src map[string]any, strategy Strategy, mergeLists bool) (map[string]any, error) {
	out := CloneMap(dst)
	if out == nil {
		out = make(map[string]any)
	}
	if src == nil {
		return out, nil
	}

	switch strategy {
	case "", StrategySmart, StrategyRecurse:
		deepMerge(out, src, listMode(mergeLists))
	case StrategyAggregate:
		deepMerge(out, src, listConcat)
	case StrategyOverwrite:
		for key, val := range src {
			out[key] = cloneValue(val)
		}
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	return out, nil
}

type listBehavior int

const (
	listReplace listBehavior = iota
	listExtend
	listConcat
)

func listMode(mergeLists bool) listBehavior {
	if mergeLists {
		return listExtend
	}
	return listReplace
}

// deepMerge merges src into dst in place. dst must be owned by the caller.
func deepMerge(dst, src map[string]any, lists listBehavior) {
	for key, srcVal := range src {
		dstVal, exists := dst[key]
		if !exists {
			dst[key] = cloneValue(srcVal)
			continue
		}

		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dstVal.(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap, lists)
			continue
		}

		srcList, srcIsList := srcVal.([]any)
		dstList, dstIsList := dstVal.([]any)
		if srcIsList && dstIsList {
			switch lists {
			case listExtend:
				dst[key] = extendList(dstList, srcList)
				continue
			case listConcat:
				merged := make([]any, 0, len(dstList)+len(srcList))
				merged = append(merged, dstList...)
				for _, item := range srcList {
					merged = append(merged, cloneValue(item))
				}
				dst[key] = merged
				continue
			}
		}

		dst[key] = cloneValue(srcVal)
	}
}

// extendList appends the items of src that dst does not already contain.
func extendList(dst, src []any) []any {
	merged := make([]any, 0, len(dst)+len(src))
	merged = append(merged, dst...)
	for _, item := range src {
		if !containsValue(merged, item) {
			merged = append(merged, cloneValue(item))
		}
	}
	return merged
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

// CloneMap returns a deep copy of m.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return CloneMap(v)
	case []any:
		return cloneSlice(v)
	default:
		return val
	}
}

// Normalize converts decoder output into the canonical shape used by the
// merger: map[string]any for mappings and []any for sequences.
func Normalize(val any) any {
	switch v := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = item
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	default:
		return val
	}
}

// GetPath walks a delimited key path through nested mappings.
func GetPath(data map[string]any, path, delimiter string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}

	var current any = data
	for _, part := range strings.Split(path, delimiter) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := m[part]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}
