package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/logging"
)

// watchDebounce coalesces the burst of filesystem events an editor or
// atomic rename-over produces into one reload.
const watchDebounce = 500 * time.Millisecond

// Watcher watches one configuration file and hands freshly parsed
// snapshots to its callbacks. A file that fails to parse or validate
// is logged and dropped; callers keep serving their previous snapshot.
type Watcher struct {
	fs     *fsnotify.Watcher
	loader *Loader
	path   string

	mu        sync.Mutex
	callbacks []func(*Config)
}

// NewWatcher creates a watcher for the given configuration file.
func NewWatcher(path string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fs: fs, loader: NewLoader(), path: path}, nil
}

// OnChange registers a callback invoked with each accepted snapshot.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching. The containing directory is watched rather
// than the file itself so atomic rename-over updates are seen.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run()
	return nil
}

// Stop ends the watch.
func (w *Watcher) Stop() error {
	return w.fs.Close()
}

func (w *Watcher) run() {
	var pending *time.Timer
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending == nil {
				pending = time.AfterFunc(watchDebounce, w.reload)
			} else {
				pending.Reset(watchDebounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Error("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		logging.Error("config change rejected", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("config change accepted", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(cfg)
	}
}
