package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 1500 * time.Millisecond

// Watcher reloads a file through a typed loader whenever it changes and
// passes the result to every registered handler. Bursts of events within
// the debounce window produce a single reload.
//
// The parent directory is watched instead of the file, so replacing the
// file by renaming a temporary one over it is seen as a change.
type Watcher[T any] struct {
	path     string
	load     func(path string) (T, error)
	logger   *slog.Logger
	debounce time.Duration
	onError  func(error)

	mu       sync.Mutex
	handlers map[int]func(T)
	nextID   int

	stop context.CancelFunc
	done chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption[T any] func(*Watcher[T])

// WithDebounce sets how long the file must stay quiet before it is
// reloaded. Default is 1.5s.
func WithDebounce[T any](d time.Duration) WatcherOption[T] {
	return func(w *Watcher[T]) { w.debounce = d }
}

// WithErrorHandler is called when a reload fails. Handlers registered with
// OnReload are skipped for that change.
func WithErrorHandler[T any](fn func(error)) WatcherOption[T] {
	return func(w *Watcher[T]) { w.onError = fn }
}

// NewWatcher creates a watcher for path. load runs on every change.
func NewWatcher[T any](path string, load func(path string) (T, error), logger *slog.Logger, opts ...WatcherOption[T]) *Watcher[T] {
	w := &Watcher[T]{
		path:     path,
		load:     load,
		logger:   logger,
		debounce: defaultDebounce,
		handlers: make(map[int]func(T)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload registers fn and returns a function that removes it.
func (w *Watcher[T]) OnReload(fn func(T)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.handlers[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.handlers, id)
		w.mu.Unlock()
	}
}

// Start begins watching. The watcher runs until ctx is canceled or Stop is
// called.
func (w *Watcher[T]) Start(ctx context.Context) error {
	if w.done != nil {
		return errors.New("watcher already started")
	}

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	w.path = abs

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return err
	}

	ctx, w.stop = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.logger.Info("File watcher started", "path", w.path, "debounce", w.debounce)
	go w.run(ctx, fsw)
	return nil
}

// Stop ends watching and waits until no reload can run anymore.
func (w *Watcher[T]) Stop() error {
	if w.done == nil {
		return nil
	}
	w.stop()
	<-w.done
	return nil
}

func (w *Watcher[T]) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("File watcher stopped", "path", w.path)
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			// Write covers in-place edits, Create a file renamed into place.
			if filepath.Clean(ev.Name) != w.path || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			w.logger.Debug("File change detected", "path", w.path, "op", ev.Op.String())
			quiet.Reset(w.debounce)

		case <-quiet.C:
			w.reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher[T]) reload() {
	w.logger.Info("File changed, reloading", "path", w.path)

	v, err := w.load(w.path)
	if err != nil {
		w.logger.Warn("Failed to reload file", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	ids := make([]int, 0, len(w.handlers))
	for id := range w.handlers {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		w.mu.Lock()
		fn, ok := w.handlers[id]
		w.mu.Unlock()
		if ok {
			fn(v)
		}
	}
}
