package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files. A .json file holds
// either one policy or a bundle with a "policies" list.
type Loader struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	files   map[string][]Policy
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		files:  make(map[string][]Policy),
	}
}

// LoadFromPaths loads the policies of every file or directory in paths.
// Unreadable files inside a directory are skipped; a named path that
// cannot be loaded is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		if !info.IsDir() {
			policies, err := l.loadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
			}
			out = append(out, policies...)
			continue
		}
		policies, err := l.loadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		out = append(out, policies...)
	}

	l.logger.Debug().Int("total", len(out)).Int("sources", len(paths)).Msg("Policies loaded from paths")
	return out, nil
}

func (l *Loader) loadDir(root string) ([]Policy, error) {
	var out []Policy
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir() || !isPolicyFile(path):
			return nil
		}
		policies, err := l.loadFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}
		out = append(out, policies...)
		return nil
	})
	return out, err
}

// loadFile returns the policies of one file, from the cache when the
// file has not changed since it was read.
func (l *Loader) loadFile(path string) ([]Policy, error) {
	l.mu.RLock()
	cached, ok := l.files[path]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var policies []Policy
	switch filepath.Ext(path) {
	case ".rego":
		policies = []Policy{parseRego(path, data)}
	case ".json":
		if policies, err = parseJSON(data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	for i := range policies {
		policies[i].Source = path
	}

	l.mu.Lock()
	l.files[path] = policies
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Int("policies", len(policies)).Msg("Policy file loaded")
	return policies, nil
}

// forget drops a file from the cache.
func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.files, path)
	l.mu.Unlock()
}

// parseRego turns a .rego file into a Policy named after the file.
// The leading comment block is the description; a "severity: <level>"
// line in it sets the default severity.
func parseRego(path string, data []byte) Policy {
	description, severity := parseHeader(string(data))
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
	}
}

// parseJSON reads a single policy or a bundle.
func parseJSON(data []byte) ([]Policy, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	var policies []Policy
	if _, ok := probe["policies"]; ok {
		var bundle PolicyBundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("failed to parse policy bundle: %w", err)
		}
		policies = bundle.Policies
	} else {
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		policies = []Policy{p}
	}

	for i := range policies {
		if policies[i].Name == "" {
			return nil, fmt.Errorf("JSON policy %d has no name", i)
		}
		if policies[i].Severity == "" {
			policies[i].Severity = SeverityWarning
		}
	}
	return policies, nil
}

// parseHeader reads the leading comment block of a Rego module.
func parseHeader(content string) (string, Severity) {
	var words []string
	severity := SeverityWarning

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(level))
		} else if comment != "" {
			words = append(words, comment)
		}
	}

	return strings.Join(words, " "), severity
}

// Watch starts watching paths and calls reloadFn with the full set of
// policies after files change. It returns once the watches are in place;
// watching stops when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := l.watchDirectory(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
		} else if err := watcher.Add(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

// watchDirectory adds a directory and its subdirectories to the watcher.
func (l *Loader) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

// processEvents turns file system events into debounced reloads.
func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	defer close(l.done)

	var reload <-chan time.Time
	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := l.watchDirectory(event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch directory")
					}
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.forget(event.Name)

			timer.Reset(reloadDelay)
			reload = timer.C

		case <-reload:
			reload = nil
			if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// triggerReload reloads all policies from watched paths.
func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")

	return nil
}

// StopWatching stops watching and waits for the event loop to exit.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}
