package registry

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/laguz/internal/checksum"
	"github.com/starford/laguz/internal/storage"
)

// Watch starts an fsnotify watcher on the workspace root and turns file
// change events into registry notifications until ctx is cancelled. Changes
// that match what an open document last wrote are its own save echoes and
// stay silent; anything else becomes created/updated/deleted, or conflict
// when the file backs an open document.
//
// New directories created at runtime are added to the watch list. Rename
// events fire on the old path only, so a short debounced reconciliation
// pass picks up whatever landed under the new name.
func Watch(ctx context.Context, reg *Registry, store storage.Provider, root string, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	// seen holds the last observed checksum per workspace path, the
	// baseline reconciliation diffs against.
	seen := make(map[string]string)
	if metas, listErr := store.List(""); listErr == nil {
		for _, m := range metas {
			seen[m.Path] = m.Checksum
		}
	} else {
		logger.Warn("watcher: initial list failed", slog.String("error", listErr.Error()))
	}

	logger.Info("watcher: started", slog.String("root", root))

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
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			reconcile(reg, store, seen, logger)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", absPath))
					}
					scanNewDir(reg, store, seen, root, absPath, logger)
					continue
				}
			}

			if !strings.HasSuffix(absPath, storage.NotebookExt) {
				continue
			}

			rel, relErr := filepath.Rel(root, absPath)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				data, readErr := store.Read(rel)
				if readErr != nil {
					logger.Warn("watcher: read failed", slog.String("path", rel), slog.String("error", readErr.Error()))
					continue
				}
				sum := checksum.Sum(data)
				prev, existed := seen[rel]
				if existed && prev == sum {
					continue
				}
				seen[rel] = sum
				if event, notify := classify(reg, rel, sum, existed); notify {
					logger.Debug("watcher: changed", slog.String("path", rel), slog.String("kind", string(event.Kind)))
					reg.notify(event)
				}

			case ev.Op&fsnotify.Remove != 0:
				if _, existed := seen[rel]; !existed {
					continue
				}
				delete(seen, rel)
				logger.Debug("watcher: removed", slog.String("path", rel))
				reg.notify(Event{Kind: EventDeleted, Path: rel})

			case ev.Op&fsnotify.Rename != 0:
				// Rename fires on the old path only; the new path shows up
				// as a separate Create if it stays inside the workspace.
				if _, existed := seen[rel]; existed {
					delete(seen, rel)
					logger.Debug("watcher: renamed away", slog.String("path", rel))
					reg.notify(Event{Kind: EventDeleted, Path: rel})
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// classify decides which event a changed file warrants. A change matching an
// open document's own last write is silent.
func classify(reg *Registry, rel, sum string, existed bool) (Event, bool) {
	if doc, ok := reg.Lookup(rel); ok {
		if doc.FileChecksum() == sum {
			return Event{}, false
		}
		return Event{Kind: EventConflict, Path: rel}, true
	}
	kind := EventUpdated
	if !existed {
		kind = EventCreated
	}
	return Event{Kind: kind, Path: rel}, true
}

// reconcile diffs the workspace listing against the seen baseline: paths
// gone from disk emit deleted, new or changed files emit their event.
func reconcile(reg *Registry, store storage.Provider, seen map[string]string, logger *slog.Logger) {
	metas, err := store.List("")
	if err != nil {
		logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}

	disk := make(map[string]string, len(metas))
	for _, m := range metas {
		disk[m.Path] = m.Checksum
	}

	for p := range seen {
		if _, ok := disk[p]; !ok {
			delete(seen, p)
			logger.Debug("reconcile: removed stale", slog.String("path", p))
			reg.notify(Event{Kind: EventDeleted, Path: p})
		}
	}

	for p, sum := range disk {
		prev, existed := seen[p]
		if existed && prev == sum {
			continue
		}
		seen[p] = sum
		if event, notify := classify(reg, p, sum, existed); notify {
			logger.Debug("reconcile: changed", slog.String("path", p), slog.String("kind", string(event.Kind)))
			reg.notify(event)
		}
	}
}

// scanNewDir reports notebooks found in a directory that appeared at
// runtime, e.g. one moved into the workspace wholesale.
func scanNewDir(reg *Registry, store storage.Provider, seen map[string]string, root, dirPath string, logger *slog.Logger) {
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, storage.NotebookExt) {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		data, readErr := store.Read(rel)
		if readErr != nil {
			return nil
		}
		sum := checksum.Sum(data)
		prev, existed := seen[rel]
		if existed && prev == sum {
			return nil
		}
		seen[rel] = sum
		if event, notify := classify(reg, rel, sum, existed); notify {
			logger.Debug("watcher: found in new dir", slog.String("path", rel))
			reg.notify(event)
		}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
