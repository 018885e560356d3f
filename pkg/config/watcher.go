package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Watcher reloads the configuration file into a Holder when it changes.
// A file that fails to load or validate is logged and ignored.
type Watcher struct {
	path   string
	holder *Holder
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, holder *Holder, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:   path,
		holder: holder,
		logger: logger.With().Str("component", "config-watcher").Logger(),
	}
}

// Start begins watching. It returns once the watch is set up; watching stops
// when ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files; watch the directory and filter by name.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.processEvents(ctx, fw)
	w.logger.Info().Str("path", w.path).Msg("watching config file")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = fw.Close()
	}()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, w.Reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Reload reads the file and publishes it. Fields that only apply at startup
// are kept at their running values and a warning names them.
func (w *Watcher) Reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("config reload failed, keeping previous config")
		return
	}

	old := w.holder.Get()
	if changed := next.RestartRequired(old); len(changed) > 0 {
		w.logger.Warn().Strs("sections", changed).Msg("config changes require a restart and were not applied")
		next.keepStartupFields(old)
	}
	w.holder.Set(next)
	w.logger.Info().Msg("config reloaded")
}

// Stop closes the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}

// keepStartupFields copies the fields RestartRequired compares from old.
func (c *Config) keepStartupFields(old *Config) {
	c.Database = old.Database
	c.Engine.Workers = old.Engine.Workers
	c.Engine.QueueSize = old.Engine.QueueSize
	c.Engine.CallTimeout = old.Engine.CallTimeout
	c.Lease = old.Lease
	c.Policies = old.Policies
	c.Backends = old.Backends
	c.Accounting = old.Accounting
	c.Telemetry = old.Telemetry
}
