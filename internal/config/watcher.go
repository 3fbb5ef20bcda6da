package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounceInterval is the quiet period after the last file event
// before a reload is attempted. Editors often write config files in several
// bursts.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watcher reloads the config file on change and hands validated snapshots to
// a single owner callback. Consumers never mutate a snapshot; the owner swaps
// it in atomically.
type Watcher struct {
	mu sync.Mutex

	path     string
	debounce time.Duration
	onChange func(*Config)

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher watches path and invokes onChange with each successfully loaded
// and validated snapshot.
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     expandPath(path),
		debounce: DefaultDebounceInterval,
		onChange: onChange,
	}
}

// Start begins watching. The parent directory is watched rather than the
// file itself so that rename-based saves are still observed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}

	w.fsWatcher = fsw
	w.stopCh = make(chan struct{})
	w.running = true

	go w.loop()
	log.Debug().Str("component", "config").Str("path", w.path).Msg("config watcher started")
	return nil
}

// Stop ends watching. Safe to call when not running.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	w.fsWatcher.Close()
	w.running = false
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn().Str("component", "config").Err(err).Msg("config watcher error")
		}
	}
}

// scheduleReload debounces bursts of events into one reload.
func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		log.Warn().Str("component", "config").Err(err).Msg("config reload failed, keeping previous snapshot")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Str("component", "config").Err(err).Msg("config reload invalid, keeping previous snapshot")
		return
	}

	log.Info().Str("component", "config").Str("path", w.path).Msg("config reloaded")
	w.onChange(cfg)
}
