package workspace

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op classifies a debounced watcher notification.
type Op int

const (
	OpWrite Op = iota
	OpRemove
)

// ignoredDirs are well-known build/VCS/cache trees never mirrored to the
// cloud.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".cache":       true,
	".next":        true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"venv":         true,
	".venv":        true,
	".pytest_cache": true,
}

// ignoredFile reports binary cruft that should never sync.
func ignoredFile(name string) bool {
	if name == ".DS_Store" || name == "Thumbs.db" {
		return true
	}
	return strings.HasSuffix(name, ".pyc") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, "~")
}

// Watcher observes a workspace tree and reports paths after a per-path
// debounce. A new event for a path resets its timer; events for distinct
// paths fire independently.
type Watcher struct {
	root     string
	debounce time.Duration
	handler  func(path string, op Op)
	logger   *slog.Logger

	fw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	// write-finish stabilisation knobs, shortened in tests
	stabilizePoll time.Duration
	stabilizeMax  time.Duration

	done     chan struct{}
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

func NewWatcher(root string, debounce time.Duration, handler func(path string, op Op), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:          root,
		debounce:      debounce,
		handler:       handler,
		logger:        logger,
		fw:            fw,
		pending:       make(map[string]*time.Timer),
		stabilizePoll: 50 * time.Millisecond,
		stabilizeMax:  2 * time.Second,
		done:          make(chan struct{}),
	}
	if err := w.addRecursive(root); err != nil {
		fw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// addRecursive registers root and all non-ignored subdirectories. Walking
// an existing tree emits no events, which gives the required
// initial-event suppression.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // tree may mutate under us
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if w.isIgnored(ev.Name) {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !ignoredDirs[filepath.Base(ev.Name)] {
				_ = w.addRecursive(ev.Name)
			}
			return
		}
	}

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		w.arm(ev.Name, OpRemove)
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		w.arm(ev.Name, OpWrite)
	}
}

func (w *Watcher) isIgnored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if ignoredDirs[part] {
			return true
		}
	}
	return ignoredFile(filepath.Base(path))
}

// arm starts or resets the debounce timer for path.
func (w *Watcher) arm(path string, op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.fire(path, op)
	})
}

func (w *Watcher) fire(path string, op Op) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	if op == OpWrite {
		w.waitStable(path)
	}
	w.handler(path, op)
}

// waitStable blocks until the file's size stops changing between polls,
// or until stabilizeMax passes so a slow writer still syncs eventually.
func (w *Watcher) waitStable(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return // deleted since the event, handler sorts it out
	}
	deadline := time.Now().Add(w.stabilizeMax)
	last := info.Size()
	for time.Now().Before(deadline) {
		time.Sleep(w.stabilizePoll)
		info, err = os.Stat(path)
		if err != nil || info.Size() == last {
			return
		}
		last = info.Size()
	}
}

// Close stops the watcher and cancels all pending debounced syncs. Once
// it returns no further handler calls are made.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fw.Close()
	w.wg.Wait()
	w.inflight.Wait()
	return err
}
