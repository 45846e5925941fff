package mapstack

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Invalidator is implemented by Resolver.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Watcher invalidates a resolver when parameter files change on disk.
type Watcher struct {
	root     string
	target   Invalidator
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher watches root and every directory below it.
func NewWatcher(root string, target Invalidator, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{
		root:     root,
		target:   target,
		debounce: debounce,
		logger:   logger.With().Str("component", "mapstack-watch").Logger(),
	}
}

// Run blocks until ctx is cancelled. ready, if non-nil, is closed once
// the watches are in place.
func (w *Watcher) Run(ctx context.Context, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addTree(watcher, w.root); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	w.logger.Info().Str("root", w.root).Msg("watching parameter files")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(watcher, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("parameter file changed")
			timer.Reset(w.debounce)

		case <-timer.C:
			if err := w.target.Invalidate(ctx); err != nil {
				w.logger.Error().Err(err).Msg("failed to invalidate mapdata cache")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}
