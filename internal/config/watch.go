package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ///////////////////////////////////////////////
// Watcher
// ///////////////////////////////////////////////

// Watcher reports changes to the config file. It watches the parent
// directory because [Config.Save] replaces the file by rename, and falls back
// to stat polling when fsnotify is unavailable.
type Watcher struct {
	// path is the watched config file.
	path string
	// events carries one pending signal; bursts of writes coalesce.
	events chan struct{}
	// done is closed by Close.
	done chan struct{}
	// fsw is nil while polling.
	fsw *fsnotify.Watcher
	// once makes Close idempotent.
	once sync.Once
	// polling is set once the watcher has fallen back to polling.
	polling atomic.Bool
	// pollInterval is the stat period in polling mode.
	pollInterval time.Duration
}

// NewWatcher starts watching the config file at path.
func NewWatcher(path string) *Watcher {
	w := &Watcher{
		path:         path,
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: 2 * time.Second,
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Info("fsnotify unavailable, polling config", "error", err)
		w.startPolling()
		return w
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		slog.Info("cannot watch config directory, polling config", "path", path, "error", err)
		fsw.Close()
		w.startPolling()
		return w
	}
	w.fsw = fsw
	go w.watch()
	return w
}

// Events delivers a signal after the config file changes.
func (w *Watcher) Events() <-chan struct{} { return w.events }

// Polling reports whether the watcher fell back to polling.
func (w *Watcher) Polling() bool { return w.polling.Load() }

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil {
			if cerr := w.fsw.Close(); cerr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", cerr)
			}
		}
	})
	return err
}

func (w *Watcher) watch() {
	name := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.notify()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Info("fsnotify error, polling config", "error", err)
			w.fsw.Close()
			w.startPolling()
			return
		}
	}
}

func (w *Watcher) startPolling() {
	w.polling.Store(true)
	go w.poll()
}

func (w *Watcher) poll() {
	var last time.Time
	if info, err := os.Stat(w.path); err == nil {
		last = info.ModTime()
	}
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			info, err := os.Stat(w.path)
			if err != nil || !info.ModTime().After(last) {
				continue
			}
			last = info.ModTime()
			w.notify()
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}

// ///////////////////////////////////////////////
// Reload
// ///////////////////////////////////////////////

// Reload watches path until ctx is done and calls apply with each newly
// loaded config. Files that fail to load or validate are logged and skipped
// so the running config stays in place.
func Reload(ctx context.Context, path string, apply func(*Config)) error {
	w := NewWatcher(path)
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Events():
			cfg, err := LoadFile(path)
			if err != nil {
				slog.Warn("ignoring config change", "path", path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", path)
			apply(cfg)
		}
	}
}
