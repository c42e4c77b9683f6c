package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeCallback is invoked with the freshly loaded configuration after the
// watched file changes and passes validation.
type ChangeCallback func(old, new *Config)

// Watcher reloads a YAML configuration file when it changes on disk and
// notifies registered callbacks. Reloads that fail to parse or validate are
// logged and discarded; the last good configuration stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []ChangeCallback

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher loads the file once and prepares a watcher for it. The parent
// directory is watched too, because editors and config mounts replace files
// by rename rather than writing in place.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	initial := DefaultConfig()
	if err := initial.loadFile(path); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	initial.loadEnvironment()
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial configuration invalid: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:    path,
		watcher: fsWatcher,
		logger:  logger,
		current: initial,
		stopCh:  make(chan struct{}),
	}, nil
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after every successful reload.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

// watchLoop debounces filesystem events so a burst of writes produces one
// reload.
func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
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

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// reload parses the file and swaps the current configuration on success.
func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		// File mid-rename; the next event retries.
		return
	}

	next := DefaultConfig()
	if err := next.loadFile(w.path); err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", zap.Error(err))
		return
	}
	next.loadEnvironment()
	if err := next.Validate(); err != nil {
		w.logger.Error("reloaded config invalid, keeping previous configuration", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = next
	callbacks := make([]ChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(old, next)
	}
}
