package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the result of re-reading the config file.
// cfg is nil when the file could not be parsed or no longer exists; errs
// holds parse or validation problems.
type ReloadFunc func(cfg *Config, errs []error)

// Watcher re-reads the config file whenever it changes on disk.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   *slog.Logger
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
// Default is 250ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled. The parent directory is watched rather
// than the file itself so editors that save by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	name := filepath.Base(w.path)
	fire := make(chan struct{}, 1)
	timer := time.AfterFunc(time.Hour, func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	})
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			timer.Reset(w.debounce)

		case <-fire:
			w.logger.Debug("config file changed, reloading", "path", w.path)
			w.onReload(w.reload())

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// reload differs from Load in one case: a file that disappeared while
// watched is a failed reload, not a request for the built-in table.
func (w *Watcher) reload() (*Config, []error) {
	if _, err := os.Stat(w.path); errors.Is(err, os.ErrNotExist) {
		return nil, []error{fmt.Errorf("config file %s was removed: %w", w.path, err)}
	}
	return Load(w.path)
}
