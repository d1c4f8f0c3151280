package origin

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates cache entries when files under the script directory change.
// Changes are debounced so an editor's burst of writes costs one invalidation.
type Watcher struct {
	cache   *Cache
	watcher *fsnotify.Watcher
	log     func(level int, format string, args ...any)

	// OnInvalidate, if set, is called with each invalidated key.
	OnInvalidate func(key string)

	// symlinked files: link path -> directory holding the target
	symlinkTargets map[string]string
	watchedDirs    map[string]int
	mu             sync.Mutex

	pending       map[string]time.Time
	pendingMu     sync.Mutex
	debounceDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for cache's root. Call Start to begin watching.
func NewWatcher(cache *Cache, debounce time.Duration, log func(level int, format string, args ...any)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = func(int, string, ...any) {}
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		cache:          cache,
		watcher:        fw,
		log:            log,
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pending:        make(map[string]time.Time),
		debounceDelay:  debounce,
		done:           make(chan struct{}),
	}, nil
}

// Start watches the root and every directory below it.
func (w *Watcher) Start() error {
	if err := w.watchTree(w.cache.Root()); err != nil {
		return err
	}
	go w.eventLoop()
	go w.debounceLoop()
	w.log(1, "origin: watching %s for changes", w.cache.Root())
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.addWatch(p)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			w.updateSymlinkWatch(p)
		}
		return nil
	})
}

// updateSymlinkWatch watches the target directory of a symlinked file so
// edits to the target reach the link's cache entry.
func (w *Watcher) updateSymlinkWatch(file string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.symlinkTargets[file]; ok {
		w.removeWatchLocked(old)
		delete(w.symlinkTargets, file)
	}
	info, err := os.Lstat(file)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(file)
	if err != nil {
		w.log(2, "origin: cannot resolve symlink %s: %v", file, err)
		return
	}
	dir := filepath.Dir(target)
	if err := w.addWatchLocked(dir); err != nil {
		w.log(2, "origin: cannot watch %s: %v", dir, err)
		return
	}
	w.symlinkTargets[file] = dir
}

func (w *Watcher) removeSymlinkWatch(file string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if dir, ok := w.symlinkTargets[file]; ok {
		w.removeWatchLocked(dir)
		delete(w.symlinkTargets, file)
	}
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addWatchLocked(dir)
}

func (w *Watcher) addWatchLocked(dir string) error {
	w.watchedDirs[dir]++
	if w.watchedDirs[dir] == 1 {
		if err := w.watcher.Add(dir); err != nil {
			w.watchedDirs[dir]--
			return err
		}
		w.log(2, "origin: added watch for %s", dir)
	}
	return nil
}

func (w *Watcher) removeWatchLocked(dir string) {
	w.watchedDirs[dir]--
	if w.watchedDirs[dir] <= 0 {
		_ = w.watcher.Remove(dir)
		delete(w.watchedDirs, dir)
	}
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
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
			w.handleError(err)
		}
	}
}

// handleError drops the whole cache when events were lost, since any file
// may have changed unseen.
func (w *Watcher) handleError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.cache.InvalidateAll()
		w.log(0, "origin: watcher overflowed, cache cleared")
		return
	}
	w.log(1, "origin: watcher error: %v", err)
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.log(3, "origin: event %s on %s", event.Op, event.Name)

	switch {
	case event.Op&fsnotify.Create != 0:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.log(1, "origin: cannot watch new directory %s: %v", event.Name, err)
			}
			return
		}
		w.updateSymlinkWatch(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.removeSymlinkWatch(event.Name)
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		for _, key := range w.keysFor(event.Name) {
			w.queue(key)
		}
	}
}

// keysFor maps a changed file to the cache keys it backs: its own key when it
// lies under the root, plus any symlink under the root that points at it.
func (w *Watcher) keysFor(file string) []string {
	var keys []string
	if key, ok := w.cache.keyFor(file); ok {
		keys = append(keys, key)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	dir := filepath.Dir(file)
	for link, targetDir := range w.symlinkTargets {
		if targetDir != dir {
			continue
		}
		target, err := filepath.EvalSymlinks(link)
		if err == nil && filepath.Base(target) == filepath.Base(file) {
			if key, ok := w.cache.keyFor(link); ok {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

func (w *Watcher) queue(key string) {
	w.pendingMu.Lock()
	w.pending[key] = time.Now()
	w.pendingMu.Unlock()
}

func (w *Watcher) debounceLoop() {
	ticker := time.NewTicker(w.debounceDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush invalidates keys that have been quiet for the debounce delay.
func (w *Watcher) flush() {
	w.pendingMu.Lock()
	now := time.Now()
	var ready []string
	for key, queuedAt := range w.pending {
		if now.Sub(queuedAt) >= w.debounceDelay {
			ready = append(ready, key)
			delete(w.pending, key)
		}
	}
	w.pendingMu.Unlock()

	for _, key := range ready {
		w.cache.Invalidate(key)
		w.log(1, "origin: invalidated %s", key)
		if w.OnInvalidate != nil {
			w.OnInvalidate(key)
		}
	}
}
