package indexer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hollis/atlas/internal/storage"
)

// EventCallback is called after a watcher-driven cache change.
// op is one of "created", "updated", "deleted".
type EventCallback func(op string, path string)

// Watch starts an fsnotify watcher on the workspace root and keeps the
// cache current until ctx is cancelled. It calls cb (if non-nil) after
// each successful mutation.
//
// New directories created at runtime are added to the watch list. Rename
// events trigger a debounced reconciliation pass, since fsnotify reports
// only the old path.
func (ix *Indexer) Watch(ctx context.Context, root string, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	ix.logger.Info("watcher: started", slog.String("root", root))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			ix.logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			if _, err := ix.Sync(ctx); err != nil && ctx.Err() == nil {
				ix.logger.Warn("watcher: reconcile failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name
			base := filepath.Base(absPath)

			// New directories: start watching and pick up their files.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if skipDir(root, absPath) {
						continue
					}
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						ix.logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					}
					scheduleReconcile()
					continue
				}
			}

			// Atomic-write temp files and other dotfiles are noise.
			if strings.HasPrefix(base, ".") {
				continue
			}
			rel, relErr := filepath.Rel(root, absPath)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if rel == storage.ArchiveDir || strings.HasPrefix(rel, storage.ArchiveDir+"/") {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if projErr := ix.ProjectPath(rel); projErr != nil {
					ix.logger.Warn("watcher: project failed", slog.String("path", rel), slog.String("error", projErr.Error()))
					continue
				}
				op := "updated"
				if ev.Op&fsnotify.Create != 0 {
					op = "created"
				}
				ix.logger.Debug("watcher: projected", slog.String("path", rel), slog.String("op", op))
				if cb != nil {
					cb(op, rel)
				}

			case ev.Op&fsnotify.Remove != 0:
				if delErr := ix.RemovePath(rel); delErr != nil {
					ix.logger.Warn("watcher: remove failed", slog.String("path", rel), slog.String("error", delErr.Error()))
					continue
				}
				ix.logger.Debug("watcher: removed", slog.String("path", rel))
				if cb != nil {
					cb("deleted", rel)
				}

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify fires Rename on the OLD path only; the new
				// path arrives as a separate Create if it stays inside
				// a watched dir. Clear the old entry now and reconcile
				// shortly for stragglers.
				if delErr := ix.RemovePath(rel); delErr != nil {
					ix.logger.Warn("watcher: rename clear failed", slog.String("path", rel), slog.String("error", delErr.Error()))
				} else if cb != nil {
					cb("deleted", rel)
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ix.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func skipDir(root, abs string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	return rel == storage.ArchiveDir || strings.HasPrefix(rel, storage.ArchiveDir+"/") ||
		strings.HasPrefix(filepath.Base(abs), ".")
}

// addDirsRecursive adds root and all its subdirectories to the watcher,
// skipping the archive tree and hidden directories.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(root, path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
