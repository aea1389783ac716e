package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"toolforge/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher watches the manifest drop directory and registers JSON
// manifests as they land. Rapid saves are debounced so editors writing in
// chunks trigger a single registration.
type ManifestWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	dir         string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	FilesCreated  int
	FilesModified int
	Registrations int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// NewManifestWatcher creates a watcher over dir for the given registry.
func NewManifestWatcher(dir string, reg *Registry) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &ManifestWatcher{
		watcher:     watcher,
		registry:    reg,
		dir:         dir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *ManifestWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		logging.Get(logging.CategoryRegistry).Warn("ManifestWatcher: failed to create %s: %v (continuing)", w.dir, err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		logging.Get(logging.CategoryRegistry).Warn("ManifestWatcher: initial watch failed: %v", err)
	} else {
		logging.Registry("ManifestWatcher: watching %s", w.dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to drain.
func (w *ManifestWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryRegistry).Error("ManifestWatcher: close error: %v", err)
	}
	logging.Registry("ManifestWatcher: stopped")
}

// IsWatching reports whether the loop is running.
func (w *ManifestWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns a copy of the activity counters.
func (w *ManifestWatcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// Sweep registers every manifest already present in the directory. Called at
// startup so files dropped while the forge was down are not lost.
func (w *ManifestWatcher) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.loadAndRegister(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// run is the watcher event loop.
func (w *ManifestWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.RegistryDebug("ManifestWatcher: context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRegistry).Error("ManifestWatcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebounced(ctx)
		}
	}
}

// handleEvent records a create/write event for debounced processing.
func (w *ManifestWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}

	switch {
	case event.Op&fsnotify.Create != 0:
		w.mu.Lock()
		w.stats.FilesCreated++
	case event.Op&fsnotify.Write != 0:
		w.mu.Lock()
		w.stats.FilesModified++
	default:
		// Removals and renames need no registry action; chmod is noise.
		return
	}

	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebounced registers files whose events have settled.
func (w *ManifestWatcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.loadAndRegister(ctx, path)
	}
}

// loadAndRegister parses one manifest file and registers it. Failures are
// counted and logged; the watcher keeps going.
func (w *ManifestWatcher) loadAndRegister(ctx context.Context, path string) {
	m, err := LoadManifestFile(path)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("ManifestWatcher: skipping %s: %v", filepath.Base(path), err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	if err := w.registry.Register(ctx, m); err != nil {
		logging.Get(logging.CategoryRegistry).Warn("ManifestWatcher: register %s failed: %v", m.Key(), err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.stats.Registrations++
	w.mu.Unlock()
	logging.Registry("ManifestWatcher: registered %s from %s", m.Key(), filepath.Base(path))
}
