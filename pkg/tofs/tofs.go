// Package tofs implements template override files_switch lookups: for a
// managed file the formula tries per-host and per-OS overrides before its
// default source.
package tofs

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/openfroyo/podform/pkg/mapstack"
)

// DefaultFilesSwitch is the switch list used when mapdata sets none.
var DefaultFilesSwitch = []string{"id", "os_family"}

// ErrNoSource is returned when no candidate exists in the file tree.
var ErrNoSource = errors.New("no tofs source found")

// Settings controls candidate generation.
type Settings struct {
	PathPrefix  string
	FilesDir    string
	DefaultDir  string
	FilesSwitch []string
	// SourceFiles replaces the formula's file list per lookup key.
	SourceFiles map[string][]string
}

// FromMapdata reads the tofs overrides of a resolved topic.
func FromMapdata(topic string, mapdata map[string]any) Settings {
	s := Settings{
		PathPrefix:  topic,
		FilesDir:    "files",
		DefaultDir:  "default",
		FilesSwitch: append([]string(nil), DefaultFilesSwitch...),
		SourceFiles: map[string][]string{},
	}

	raw, ok := mapdata["tofs"].(map[string]any)
	if !ok {
		return s
	}

	if v, ok := raw["path_prefix"].(string); ok && v != "" {
		s.PathPrefix = v
	}
	if dirs, ok := raw["dirs"].(map[string]any); ok {
		if v, ok := dirs["files"].(string); ok && v != "" {
			s.FilesDir = v
		}
		if v, ok := dirs["default"].(string); ok && v != "" {
			s.DefaultDir = v
		}
	}
	if v, ok := raw["files_switch"]; ok {
		s.FilesSwitch = toStrings(v)
	}
	if files, ok := raw["source_files"].(map[string]any); ok {
		for key, v := range files {
			s.SourceFiles[key] = toStrings(v)
		}
	}
	return s
}

// Candidates returns the ordered source paths for the files of lookupKey.
// Each files_switch entry is looked up in config; a missing entry is used
// literally as a directory name, and list values expand to one directory
// per item.
func (s Settings) Candidates(config mapstack.Lookup, sourceFiles []string, lookupKey string) []string {
	if override, ok := s.SourceFiles[lookupKey]; ok && len(override) > 0 {
		sourceFiles = override
	}

	var dirs []string
	for _, sw := range s.FilesSwitch {
		if config == nil {
			dirs = append(dirs, sw)
			continue
		}
		val, ok := config.Get(sw, mapstack.DefaultDelimiter)
		if !ok {
			dirs = append(dirs, sw)
			continue
		}
		dirs = append(dirs, toStrings(val)...)
	}
	dirs = append(dirs, s.DefaultDir)

	base := path.Join(s.PathPrefix, s.FilesDir)
	seen := make(map[string]bool)
	var out []string
	for _, dir := range dirs {
		if dir == "" || strings.Contains(dir, "..") || strings.ContainsAny(dir, "/\\") {
			continue
		}
		for _, file := range sourceFiles {
			candidate := path.Join(base, dir, strings.TrimPrefix(file, "/"))
			if seen[candidate] {
				continue
			}
			seen[candidate] = true
			out = append(out, candidate)
		}
	}
	return out
}

// Resolve returns the first candidate present in fsys.
func Resolve(fsys fs.FS, candidates []string) (string, error) {
	for _, c := range candidates {
		info, err := fs.Stat(fsys, c)
		if err == nil && !info.IsDir() {
			return c, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", c, err)
		}
	}
	return "", fmt.Errorf("%w among %d candidates", ErrNoSource, len(candidates))
}

func toStrings(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(val)}
	}
}
