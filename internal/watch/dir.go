// Package watch ingests text files dropped into a directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events a single file save produces.
const DefaultDebounce = 500 * time.Millisecond

// IngestFunc receives the full contents of a changed file.
type IngestFunc func(ctx context.Context, path, text string) error

// DirWatcher watches one directory (not recursive) for created or written files.
type DirWatcher struct {
	dir        string
	extensions []string
	debounce   time.Duration
	ingest     IngestFunc

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewDirWatcher creates a watcher for .txt and .md files unless extensions are given.
func NewDirWatcher(dir string, ingest IngestFunc, extensions ...string) *DirWatcher {
	if len(extensions) == 0 {
		extensions = []string{".txt", ".md"}
	}
	return &DirWatcher{
		dir:        dir,
		extensions: extensions,
		debounce:   DefaultDebounce,
		ingest:     ingest,
		pending:    make(map[string]*time.Timer),
	}
}

// WithDebounce overrides the quiet period before a file is read.
func (w *DirWatcher) WithDebounce(d time.Duration) *DirWatcher {
	w.debounce = d
	return w
}

// Run blocks until ctx is cancelled. Pending ingestions are allowed to finish.
func (w *DirWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	slog.Info("watching directory", "dir", w.dir, "extensions", w.extensions)

	defer w.wg.Wait()
	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.watched(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *DirWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(ctx, path)
}

func (w *DirWatcher) scheduleLocked(ctx context.Context, path string) {
	if t, ok := w.pending[path]; ok {
		if t.Stop() {
			w.wg.Done()
		}
	}
	w.wg.Add(1)
	// the callback blocks on w.mu until timer is assigned
	var timer *time.Timer
	timer = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		// a newer event may have replaced this timer while it was firing
		if w.pending[path] == timer {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		w.process(ctx, path)
	})
	w.pending[path] = timer
}

func (w *DirWatcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
}

func (w *DirWatcher) process(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("read watched file", "path", path, "error", err)
		return
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := w.ingest(ctx, path, text); err != nil {
		slog.Error("ingest watched file", "path", path, "error", err)
		return
	}
	slog.Info("ingested watched file", "path", path, "bytes", len(data))
}

func (w *DirWatcher) watched(path string) bool {
	return slices.Contains(w.extensions, strings.ToLower(filepath.Ext(path)))
}
