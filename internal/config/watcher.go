package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/conductor/internal/tools"
)

const watchDebounce = 250 * time.Millisecond

// FilterWatcher reloads the tool filter rules when the config file
// changes on disk. Other sections require a restart.
type FilterWatcher struct {
	path    string
	filter  *tools.Filter
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFilterWatcher prepares a watcher for the given config file.
func NewFilterWatcher(path string, filter *tools.Filter, logger *slog.Logger) *FilterWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilterWatcher{path: path, filter: filter, logger: logger}
}

// Start begins watching. Editors often replace rather than rewrite the
// file, so the parent directory is watched and events matched by name.
func (w *FilterWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)

	w.logger.Info("watching config for filter reload", "path", w.path)
	return nil
}

// Stop ends the watch and waits for the loop to exit.
func (w *FilterWatcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.watcher.Close()
	<-w.done
}

func (w *FilterWatcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of events from a single save.
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *FilterWatcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("filter reload skipped, config invalid", "error", err)
		return
	}
	w.filter.Reload(cfg.FilterConfig())
	w.logger.Info("tool filter rules reloaded", "path", w.path)
}
