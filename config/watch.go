package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"
)

// DefaultDebounce is how long Watch waits for writes to settle before reloading.
const DefaultDebounce = 100 * time.Millisecond

// WatchOption configures Watch.
type WatchOption func(*watcher)

// WithWatchLogger sets the watcher logger.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(w *watcher) { w.logger = logging.ForComponent(l, "config-watch") }
}

// WithDebounce sets the settle delay.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *watcher) { w.debounce = d }
}

type watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	debounce time.Duration
}

// Watch reloads the file at path whenever it changes and passes every valid
// configuration to onChange. Invalid edits are logged and skipped so the last
// good configuration stays in effect. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so editors that replace
// the file by rename are followed.
func Watch(ctx context.Context, path string, onChange func(*Config), opts ...WatchOption) error {
	w := &watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   logging.ForComponent(nil, "config-watch"),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return syncErrors.E(syncErrors.Op("watch"), syncErrors.Component(component), fmt.Errorf("failed to create watcher: %w", err))
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return syncErrors.E(syncErrors.Op("watch"), syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("failed to watch %s: %w", w.path, err))
	}
	w.logger.Info("Watching config file", slog.String("path", w.path))
	return w.run(ctx, fw)
}

func (w *watcher) run(ctx context.Context, fw *fsnotify.Watcher) error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Config file event", slog.String("op", ev.Op.String()))
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", slog.Any("error", err))
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring invalid config change", slog.String("path", w.path), slog.Any("error", err))
		return
	}
	w.logger.Info("Config reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}
