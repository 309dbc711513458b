package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"auditchat/internal/logging"
)

// Watcher feeds file-system changes under the dataset root into the
// engine's trigger path. Events are debounced per category so editors
// that write in bursts cause one sync, not a storm.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	engine      *Engine
	root        string
	debounceMap map[string]time.Time // category -> last event
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	EventsSeen     int
	SyncsTriggered int
	Errors         int
	LastEventTime  time.Time
	LastEventPath  string
}

// NewWatcher creates a watcher over the engine's dataset root.
func NewWatcher(root string, engine *Engine, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:     fsw,
		engine:      engine,
		root:        root,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the dataset root and every category directory.
// Non-blocking; the event loop runs in a goroutine until Stop or ctx end.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.root); err != nil {
		logging.Get(logging.CategoryDataset).Warn("Watcher: cannot watch root %s: %v", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			dir := filepath.Join(w.root, entry.Name())
			if err := w.watcher.Add(dir); err != nil {
				logging.Get(logging.CategoryDataset).Warn("Watcher: cannot watch %s: %v", dir, err)
			}
		}
	}
	logging.Dataset("Watcher: watching %s (%d dirs)", w.root, len(w.watcher.WatchList()))

	go w.run(ctx)
	return nil
}

// Stop halts the event loop and closes the underlying watcher.
func (w *Watcher) Stop() {
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
		logging.Get(logging.CategoryDataset).Error("Watcher: close failed: %v", err)
	}
	logging.Dataset("Watcher: stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Dataset("Watcher: context cancelled")
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
			logging.Get(logging.CategoryDataset).Error("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return // chmod etc.
	}

	// A freshly created category directory needs its own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Dir(event.Name) == filepath.Clean(w.root) {
				if err := w.watcher.Add(event.Name); err == nil {
					logging.Dataset("Watcher: watching new category dir %s", event.Name)
				}
			}
		}
	}

	category := w.categoryOf(event.Name)
	if category == "" {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && !info.IsDir() && !isTabular(event.Name) {
		return
	}

	logging.DatasetDebug("Watcher: %s %s", event.Op, event.Name)

	w.mu.Lock()
	w.stats.EventsSeen++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.debounceMap[category] = time.Now()
	w.mu.Unlock()
}

// categoryOf maps an event path to its category: the first path element
// under the dataset root. Events on the root itself return "".
func (w *Watcher) categoryOf(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if parts[0] == "" || strings.HasPrefix(parts[0], ".") {
		return ""
	}
	return parts[0]
}

func (w *Watcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for category, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, category)
			delete(w.debounceMap, category)
		}
	}
	w.mu.Unlock()

	for _, category := range settled {
		disposition := w.engine.Trigger(category)
		logging.Dataset("Watcher: sync %s for %s", disposition, category)
		w.mu.Lock()
		w.stats.SyncsTriggered++
		w.mu.Unlock()
	}
}

// Stats returns a copy of the watcher counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
