package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
)

const (
	// watcherDebounceInterval is how often the watcher checks whether
	// pending filesystem events have settled.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherQuietPeriod is how long the tree must be idle before a run
	// starts, so a burst of writes triggers a single run.
	watcherQuietPeriod = 300 * time.Millisecond
)

// runFunc is the subset of Runner the watcher needs.
type runFunc func(ctx context.Context, dir Direction, progress Progress) (*Summary, error)

// Watcher re-runs the mirror when the local tree changes (upload
// direction) and on a fixed interval. Runs are triggered from a single
// goroutine and never overlap; a change seen during a run schedules
// another run once it ends.
type Watcher struct {
	run       runFunc
	dir       Direction
	root      string
	filter    *Filter
	interval  time.Duration
	progress  Progress
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	quietTime time.Duration

	// rerun is set when a run was rejected because another one was in
	// flight.
	rerun bool
}

// WatcherConfig holds the settings of a Watcher.
type WatcherConfig struct {
	Runner    *Runner
	Direction Direction
	Filter    *Filter
	// Interval triggers a run periodically. Zero disables it; download
	// mode requires it since local events say nothing about the remote.
	Interval time.Duration
	Progress Progress
	Logger   *slog.Logger
}

// NewWatcher creates a watcher for the runner's local root.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Direction == Download && cfg.Interval <= 0 {
		return nil, errors.New("watching in download direction needs a positive interval")
	}

	return &Watcher{
		run:       cfg.Runner.Run,
		dir:       cfg.Direction,
		root:      cfg.Runner.local.Dir(),
		filter:    cfg.Filter,
		interval:  cfg.Interval,
		progress:  cfg.Progress,
		logger:    cfg.Logger,
		debounce:  watcherDebounceInterval,
		quietTime: watcherQuietPeriod,
	}, nil
}

// Watch runs once immediately, then on every settled burst of local
// changes and every interval tick. It blocks until ctx is cancelled or a
// run fails with a fatal error.
func (w *Watcher) Watch(ctx context.Context) error {
	if w.dir == Upload {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating watcher: %w", err)
		}

		w.watcher = watcher
		defer watcher.Close()

		if err := w.addRecursive(w.root); err != nil {
			return fmt.Errorf("watching %s: %w", w.root, err)
		}
	}

	w.logger.Info("watch started",
		slog.String("dir", w.root),
		slog.String("direction", string(w.dir)),
		slog.Duration("interval", w.interval),
	)

	if err := w.runOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	var intervalC <-chan time.Time

	if w.interval > 0 {
		it := time.NewTicker(w.interval)
		defer it.Stop()

		intervalC = it.C
	}

	var events <-chan fsnotify.Event

	var errs <-chan error

	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	// lastEvent is zero when nothing is pending.
	var lastEvent time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				return errors.New("fsnotify events channel closed unexpectedly")
			}

			if w.handleEvent(event) {
				lastEvent = time.Now()
			}

		case err, ok := <-errs:
			if !ok {
				return errors.New("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if w.rerun {
				w.rerun = false
				lastEvent = time.Now()
			}

			if lastEvent.IsZero() || time.Since(lastEvent) < w.quietTime {
				continue
			}

			lastEvent = time.Time{}

			if err := w.runOnce(ctx); err != nil {
				return err
			}

		case <-intervalC:
			if err := w.runOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// handleEvent reports whether the event concerns a mirrored path. New
// directories are added to the watch set.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return false
	}

	p := NormalizePath(rel)

	info, statErr := os.Lstat(event.Name)
	isDir := statErr == nil && info.IsDir()

	if w.filter.Ignored(p, isDir) {
		return false
	}

	// Use Lstat so symlinked directories pointing outside the root are
	// never watched.
	if event.Has(fsnotify.Create) && isDir && info.Mode()&os.ModeSymlink == 0 {
		_ = w.addRecursive(event.Name)
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		_ = w.watcher.Remove(event.Name)
	}

	return true
}

// runOnce runs the mirror and returns only errors that should stop the
// watch: cancellation and fatal run errors.
func (w *Watcher) runOnce(ctx context.Context) error {
	_, err := w.run(ctx, w.dir, w.progress)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, mirrorerr.ErrUnauthorized), errors.Is(err, mirrorerr.ErrLocalRootInvalid):
		return err
	case errors.Is(err, mirrorerr.ErrSyncInProgress):
		w.logger.Debug("run in progress elsewhere, queueing")
		w.rerun = true

		return nil
	}

	// Enumeration failures are retried on the next trigger.
	w.logger.Warn("mirror run did not complete, will retry", slog.String("error", err.Error()))

	return nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.root {
			if rel, relErr := filepath.Rel(w.root, path); relErr == nil && w.filter.Ignored(NormalizePath(rel), true) {
				return filepath.SkipDir
			}
		}

		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}
