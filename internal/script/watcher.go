package script

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval is the quiet period after the last relevant filesystem
// event before a reload is attempted.
const debounceInterval = 2 * time.Second

// Watcher monitors the parent directory of a Hook's script for
// modify/create events and reloads the module after a debounce period.
type Watcher struct {
	hook   *Hook
	logger *slog.Logger
	fsw    *fsnotify.Watcher
	done   chan struct{}
}

// Watch starts watching h's script file for changes and returns a Watcher
// the caller must Close on shutdown.
func Watch(h *Hook, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(h.path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{hook: h, logger: logger, fsw: fsw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	base := filepath.Base(w.hook.path)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceInterval)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceInterval)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.hook.reload(); err != nil {
				w.logger.Error("script reload failed, keeping previous module", "path", w.hook.path, "error", err)
				continue
			}
			w.logger.Info("script reloaded", "path", w.hook.path)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("script watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
