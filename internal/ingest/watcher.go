package ingest

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the extracted-texts directory and batches change events
// through a debounce window so a bulk OCR drop triggers one ingest pass,
// not hundreds.
type Watcher struct {
	dir      string
	debounce time.Duration
	onBatch  func(ctx context.Context, paths []string)

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewWatcher creates a watcher over dir. onBatch receives the deduplicated
// set of changed extracted-text paths after the debounce window closes.
func NewWatcher(dir string, debounce time.Duration, onBatch func(ctx context.Context, paths []string)) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		onBatch:  onBatch,
		pending:  make(map[string]struct{}),
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}

	slog.Info("watching extracted texts",
		slog.String("dir", w.dir),
		slog.Duration("debounce", w.debounce))

	for {
		select {
		case <-ctx.Done():
			w.flush(ctx)
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.enqueue(ctx, event.Name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// relevant keeps create/write events for .txt files.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return false
	}
	return strings.HasSuffix(strings.ToLower(filepath.Base(event.Name)), ".txt")
}

// enqueue records a changed path and (re)arms the debounce timer.
func (w *Watcher) enqueue(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.flush(ctx)
	})
}

// flush hands the pending batch to the callback.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	slog.Debug("watcher batch flushed", slog.Int("files", len(paths)))
	w.onBatch(ctx, paths)
}
