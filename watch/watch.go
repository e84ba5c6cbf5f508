// Package watch notices run files landing in a results directory and reports
// them in debounced groups, so a long batch can be followed while it runs.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more files before reporting.
const DefaultDebounce = 500 * time.Millisecond

// Handler receives the run files that appeared or changed since the last call,
// sorted by path.
type Handler func(ctx context.Context, paths []string)

// Watcher watches one directory for run files.
type Watcher struct {
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// New creates a Watcher for dir. A zero debounce uses DefaultDebounce.
func New(dir string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		watcher:  fsw,
		logger:   logger,
		pending:  make(map[string]struct{}),
	}, nil
}

// Run watches until ctx is done, calling handle after each quiet period that
// follows at least one change. The directory is created if missing.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	defer w.watcher.Close()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create watch directory: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching for runs", "dir", w.dir, "debounce", w.debounce)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			if paths := w.drain(); len(paths) > 0 {
				handle(ctx, paths)
			}
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	name := filepath.Base(event.Name)
	if filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = struct{}{}
	w.pendingMu.Unlock()

	w.logger.Debug("Run file change detected", "path", event.Name, "op", event.Op.String())
}

// drain returns and clears the pending paths.
func (w *Watcher) drain() []string {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if len(w.pending) == 0 {
		return nil
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	sort.Strings(paths)
	return paths
}
