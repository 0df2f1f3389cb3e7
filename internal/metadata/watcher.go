package metadata

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/tollgate/internal/logging"
	"go.uber.org/zap"
)

// Watcher reloads a seed file into a MemoryStore when it changes on
// disk. Rapid events (editors often write twice) are debounced.
type Watcher struct {
	watcher   *fsnotify.Watcher
	store     *MemoryStore
	seedPath  string
	callbacks []func(*Seed)
	mu        sync.RWMutex
	debounce  time.Duration
}

// NewWatcher loads the seed once and prepares a watcher over it.
func NewWatcher(store *MemoryStore, seedPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsWatcher,
		store:    store,
		seedPath: seedPath,
		debounce: 500 * time.Millisecond,
	}

	seed, err := LoadSeed(seedPath)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	if err := store.Apply(seed); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return w, nil
}

// OnChange registers a callback invoked after a seed is applied. The
// gateway uses this to purge lookup caches.
func (w *Watcher) OnChange(callback func(*Seed)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching the seed file's directory.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.seedPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer
	var lastEvent time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(w.seedPath) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			now := time.Now()
			if now.Sub(lastEvent) < w.debounce {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
			}
			lastEvent = now

			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload()
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("metadata watcher error", zap.Error(err))
		}
	}
}

// reload parses the seed and swaps it in. A seed that fails to parse
// or apply leaves the previous data serving.
func (w *Watcher) reload() {
	seed, err := LoadSeed(w.seedPath)
	if err != nil {
		logging.Error("failed to reload metadata seed", zap.Error(err))
		return
	}
	if err := w.store.Apply(seed); err != nil {
		logging.Error("failed to apply metadata seed", zap.Error(err))
		return
	}

	w.mu.RLock()
	callbacks := make([]func(*Seed), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	logging.Info("metadata seed reloaded", zap.String("path", w.seedPath))

	for _, cb := range callbacks {
		go cb(seed)
	}
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// SetDebounce overrides the debounce interval, mainly for tests.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
