// Package watcher debounces filesystem change bursts into a single
// rescan callback (§4.2, §7), grounded in hazyhaar/GoClode's
// internal/core/db.go fsnotify watch-goroutine pattern.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 1 * time.Second

// Watcher watches a directory and invokes a callback after a burst of
// changes settles.
type Watcher struct {
	dir string
	fsw *fsnotify.Watcher
}

// New creates a Watcher rooted at dir. Call Start to begin watching.
func New(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{dir: dir, fsw: fsw}, nil
}

// Start runs the debounced watch loop until ctx is canceled, invoking
// onChange at most once per debounce window after the last observed event.
func (w *Watcher) Start(ctx context.Context, onChange func(ctx context.Context)) {
	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				}
				timerC = timer.C
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				slog.Warn("filesystem watcher error", "error", err)
			case <-timerC:
				onChange(ctx)
				timerC = nil
			}
		}
	}()
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
