package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadCallback receives the freshly loaded configuration. This is the
// explicit configuration-update path: consumers replace settings wholesale,
// base_tool_context included.
type ReloadCallback func(cfg *Config)

// Watcher hot-reloads the config file on change. Editors write files in
// bursts, so events are debounced before reloading.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	onReload ReloadCallback
	debounce time.Duration
	logger   zerolog.Logger

	timer    *time.Timer
	timerMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherConfig configures a config watcher
type WatcherConfig struct {
	Loader   *Loader
	OnReload ReloadCallback
	Debounce time.Duration
	Logger   zerolog.Logger
}

// NewWatcher creates a watcher over the loader's config file
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		loader:   cfg.Loader,
		watcher:  fw,
		onReload: cfg.OnReload,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched because editors
// replace files by rename, which drops a watch on the file itself.
func (w *Watcher) Start() error {
	path := w.loader.Path()
	if err := w.watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.loop(path)
	return nil
}

func (w *Watcher) loop(path string) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
		return
	}

	w.logger.Info().Msg("Configuration reloaded")
	w.onReload(cfg)
}

// Stop ends watching. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()
	})
}
