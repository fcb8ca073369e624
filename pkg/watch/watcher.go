// Package watch provides archive-directory watching. The scheduler still
// polls — polling is the source of truth — but the watcher wakes it early
// when a new archive lands, cutting log-switch latency.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ArchiveWatcher monitors the archivelog tree for new files.
type ArchiveWatcher struct {
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	dirs     map[string]struct{}
	debounce time.Duration

	// Nudge receives one token per debounced create/write burst.
	Nudge chan struct{}

	// OnError observes watch failures; nil means they are dropped.
	OnError func(err error)
}

// NewArchiveWatcher creates a watcher with a 500ms debounce.
func NewArchiveWatcher() (*ArchiveWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &ArchiveWatcher{
		watcher:  fsWatcher,
		dirs:     make(map[string]struct{}),
		debounce: 500 * time.Millisecond,
		Nudge:    make(chan struct{}, 1),
	}, nil
}

// WatchTree registers root and its immediate subdirectories (day dirs).
func (w *ArchiveWatcher) WatchTree(root string) error {
	if err := w.watchDir(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			if err := w.watchDir(filepath.Join(root, ent.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *ArchiveWatcher) watchDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	w.dirs[dir] = struct{}{}
	return nil
}

// Run pumps fsnotify events into debounced nudges. Blocks until the
// context is cancelled.
func (w *ArchiveWatcher) Run(ctx context.Context) error {
	var timer *time.Timer
	var timerMu sync.Mutex

	fire := func() {
		select {
		case w.Nudge <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// A new day directory must itself be watched.
			if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
				if err := w.watchDir(event.Name); err != nil && w.OnError != nil {
					w.OnError(err)
				}
			}

			timerMu.Lock()
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			timerMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.OnError != nil {
				w.OnError(err)
			}
		}
	}
}
