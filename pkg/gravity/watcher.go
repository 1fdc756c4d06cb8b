package gravity

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"gravity-well/pkg/logging"
)

// Watcher invalidates the store when the gravity database file changes on
// disk. The list builder writes a fresh database and renames it into
// place, so the watcher observes the containing directory and reacts to
// events on the database path itself.
type Watcher struct {
	store   *Store
	path    string
	watcher *fsnotify.Watcher
	logger  *logging.Logger
}

// NewWatcher creates a watcher for the store's database file.
func NewWatcher(store *Store, logger *logging.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	path := store.cfg.DatabasePath
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch database directory: %w", err)
	}

	return &Watcher{
		store:   store,
		path:    path,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// Start blocks watching for database replacement until ctx is done. On a
// change it marks the store stale (the next lookup reopens) and rebuilds
// the gravity prefilter.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting gravity database watcher", "path", w.path)

	// A rebuild touches the file several times in quick succession;
	// coalesce the events before reopening.
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Gravity database watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Gravity database watcher error", "error", err)

		case <-debounceTimer.C:
			w.logger.Info("Gravity database changed on disk, invalidating cached statements")
			w.store.Invalidate()
			if err := w.store.RebuildPrefilter(); err != nil {
				w.logger.Error("Failed to rebuild gravity prefilter", "error", err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
