// Package indexer keeps the projection cache consistent with the workspace
// file tree: full scans against the manifest plus an fsnotify watcher for
// incremental updates.
package indexer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hollis/atlas/internal/cache"
	"github.com/hollis/atlas/internal/models"
	"github.com/hollis/atlas/internal/projector"
	"github.com/hollis/atlas/internal/storage"
)

// ChangeSet is the result of comparing a scan against the manifest.
type ChangeSet struct {
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// Empty reports whether the scan found no changes.
func (cs ChangeSet) Empty() bool {
	return len(cs.Added) == 0 && len(cs.Modified) == 0 && len(cs.Removed) == 0
}

// DeltaFunc receives the join delta of each applied projection.
type DeltaFunc func(*cache.Delta)

// Options tunes the indexer's retry and concurrency behavior.
type Options struct {
	Workers     int           // concurrent projections of distinct paths
	ReadRetries int           // read attempts within one pass
	Backoff     time.Duration // initial backoff between attempts, doubled
	MaxFails    int           // consecutive failed passes before degraded
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ReadRetries <= 0 {
		o.ReadRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 50 * time.Millisecond
	}
	if o.MaxFails <= 0 {
		o.MaxFails = 5
	}
	return o
}

// Indexer drives scans and incremental projections.
type Indexer struct {
	store   storage.Provider
	db      *cache.DB
	proj    *projector.Projector
	logger  *slog.Logger
	opts    Options
	onDelta DeltaFunc

	// Projections of a single path are serialized relative to themselves;
	// distinct paths may project concurrently.
	locks sync.Map // path -> *sync.Mutex
}

// New creates an Indexer.
func New(store storage.Provider, db *cache.DB, proj *projector.Projector, logger *slog.Logger, opts Options, onDelta DeltaFunc) *Indexer {
	return &Indexer{
		store:   store,
		db:      db,
		proj:    proj,
		logger:  logger,
		opts:    opts.withDefaults(),
		onDelta: onDelta,
	}
}

// Scan walks the workspace and classifies every file against the manifest.
// A file counts as modified when its modified-time or size differs from
// the recorded value; contents are never hashed. Files degraded by
// consecutive read failures are left out of the change set until their
// stat moves again.
func (ix *Indexer) Scan(ctx context.Context) (ChangeSet, map[string]models.FileMeta, error) {
	var cs ChangeSet

	metas, err := ix.store.List("")
	if err != nil {
		return cs, nil, err
	}
	manifest, err := ix.db.AllManifest()
	if err != nil {
		return cs, nil, err
	}

	byPath := make(map[string]models.FileMeta, len(metas))
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return cs, nil, err
		}
		byPath[m.Path] = m
		row, known := manifest[m.Path]
		switch {
		case !known:
			cs.Added = append(cs.Added, m.Path)
		case row.Changed(m):
			// Covers degraded files too: an on-disk edit re-admits them.
			cs.Modified = append(cs.Modified, m.Path)
		case row.FailCount > 0 && !row.Degraded:
			// A failed read with an unchanged stat is retried every pass
			// until the consecutive-failure cap degrades the file. From
			// then on it is skipped until it changes.
			cs.Modified = append(cs.Modified, m.Path)
		}
	}
	for p := range manifest {
		if _, ok := byPath[p]; !ok {
			cs.Removed = append(cs.Removed, p)
		}
	}
	return cs, byPath, nil
}

// Sync runs one scan-and-project pass: changed files are re-projected with
// bounded concurrency, removed files are cleared in the same pass that
// detected the deletion. A single file's failure never aborts the pass.
func (ix *Indexer) Sync(ctx context.Context) (ChangeSet, error) {
	cs, metas, err := ix.Scan(ctx)
	if err != nil {
		return cs, err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Workers)

	for _, p := range append(append([]string{}, cs.Added...), cs.Modified...) {
		g.Go(func() error {
			// Cancellation is checked at file boundaries; each file's
			// projection is atomic so stopping between files leaves no
			// partial state.
			if err := gCtx.Err(); err != nil {
				return err
			}
			if err := ix.projectPath(p, metas[p]); err != nil {
				ix.logger.Warn("scan: project failed", slog.String("path", p), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return cs, err
	}

	for _, p := range cs.Removed {
		if err := ctx.Err(); err != nil {
			return cs, err
		}
		delta, err := ix.remove(p)
		if err != nil {
			ix.logger.Warn("scan: remove failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		ix.emit(delta)
	}

	if !cs.Empty() {
		ix.logger.Info("scan: pass complete",
			slog.Int("added", len(cs.Added)),
			slog.Int("modified", len(cs.Modified)),
			slog.Int("removed", len(cs.Removed)))
	}
	return cs, nil
}

// ProjectPath re-projects a single file, used by the watcher. The file is
// re-stated first: watcher events race with edits and the stat recorded in
// the manifest must match what was actually read.
func (ix *Indexer) ProjectPath(path string) error {
	meta, err := ix.store.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			delta, rmErr := ix.remove(path)
			if rmErr == nil {
				ix.emit(delta)
			}
			return rmErr
		}
		return err
	}
	return ix.projectPath(path, meta)
}

// RemovePath clears a deleted file's rows, used by the watcher.
func (ix *Indexer) RemovePath(path string) error {
	delta, err := ix.remove(path)
	if err != nil {
		return err
	}
	ix.emit(delta)
	return nil
}

func (ix *Indexer) projectPath(path string, meta models.FileMeta) error {
	mu := ix.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	data, readMeta, err := ix.readStable(path, meta)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Deleted between stat and read: the next pass records the
			// removal.
			return nil
		}
		if errors.Is(err, errStillChanging) {
			// Mid-write observation is not an I/O failure: leave the
			// manifest stale so the next pass re-reads it.
			ix.logger.Debug("scan: file busy, deferred", slog.String("path", path))
			return nil
		}
		fails, markErr := ix.db.MarkReadFailure(path, readMeta, ix.opts.MaxFails)
		if markErr != nil {
			return markErr
		}
		if fails >= ix.opts.MaxFails {
			ix.logger.Warn("scan: file degraded",
				slog.String("path", path), slog.Int("consecutive_failures", fails))
		}
		return err
	}

	delta, err := ix.proj.Project(path, data, readMeta)
	if err != nil {
		return err
	}
	ix.emit(delta)
	return nil
}

func (ix *Indexer) remove(path string) (*cache.Delta, error) {
	mu := ix.lockFor(path)
	mu.Lock()
	defer mu.Unlock()
	return ix.proj.Remove(path)
}

// readStable reads the file with bounded retries and exponential backoff.
// A file observed mid-write (size changing between stat and read) is
// re-stated and retried; after the retry budget it is left for the next
// pass. The indexer never blocks on locks it does not own.
func (ix *Indexer) readStable(path string, meta models.FileMeta) ([]byte, models.FileMeta, error) {
	backoff := ix.opts.Backoff
	var lastErr error
	for attempt := 0; attempt < ix.opts.ReadRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		data, err := ix.store.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, meta, err
			}
			lastErr = err
			continue
		}
		after, err := ix.store.Stat(path)
		if err != nil {
			lastErr = err
			continue
		}
		if after.Size != meta.Size || !after.Modified.Equal(meta.Modified) {
			// Concurrent edit: record the fresher stat and try again.
			meta = after
			lastErr = errStillChanging
			continue
		}
		return data, after, nil
	}
	return nil, meta, lastErr
}

var errStillChanging = errors.New("indexer: file changing during read")

func (ix *Indexer) lockFor(path string) *sync.Mutex {
	v, _ := ix.locks.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (ix *Indexer) emit(delta *cache.Delta) {
	if delta != nil && ix.onDelta != nil {
		ix.onDelta(delta)
	}
}
