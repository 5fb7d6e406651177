package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/remote"
	"github.com/alexjbarnes/vault-mirror/internal/state"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusWarnings  Status = "warnings"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Direction  Direction
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Planned    int
	Pruned     int
	Stats      Stats
	Message    string
}

// OK reports whether the run completed, possibly with per-item failures.
func (s *Summary) OK() bool {
	return s.Status == StatusSuccess || s.Status == StatusWarnings
}

// RunnerConfig holds the dependencies of a Runner.
type RunnerConfig struct {
	Local     LocalFS
	Remote    remote.Storage
	RootID    string
	Store     RunStore
	Filter    *Filter
	Retry     RetryPolicy
	Transfers int
	Logger    *slog.Logger
}

// Runner coordinates runs for one local/remote pairing. Runs never
// overlap: a second request while one is in flight is rejected with
// ErrSyncInProgress, both within the process and across processes
// sharing the local root.
type Runner struct {
	local     LocalFS
	remote    remote.Storage
	rootID    string
	store     RunStore
	retry     RetryPolicy
	transfers int
	enum      *Enumerator
	logger    *slog.Logger

	mu sync.Mutex
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		local:     cfg.Local,
		remote:    cfg.Remote,
		rootID:    cfg.RootID,
		store:     cfg.Store,
		retry:     cfg.Retry,
		transfers: cfg.Transfers,
		enum:      &Enumerator{Filter: cfg.Filter, Retry: cfg.Retry, Logger: cfg.Logger},
		logger:    cfg.Logger,
	}
}

// Preview enumerates both sides and returns the plan for dir without
// applying it.
func (r *Runner) Preview(ctx context.Context, dir Direction) ([]Action, error) {
	unlock, err := r.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	_, _, actions, err := r.plan(ctx, dir)

	return actions, err
}

// Run performs one mirror run in the given direction. The returned
// summary is non-nil whenever the run started. The error is non-nil when
// the run was aborted (fatal error or cancellation); per-item failures
// only show in the summary.
func (r *Runner) Run(ctx context.Context, dir Direction, progress Progress) (*Summary, error) {
	if progress == nil {
		progress = nopProgress{}
	}

	unlock, err := r.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	sum := &Summary{
		RunID:     uuid.NewString(),
		Direction: dir,
		StartedAt: time.Now(),
	}

	logger := r.logger.With(slog.String("run_id", sum.RunID), slog.String("direction", string(dir)))
	logger.Info("mirror run started")

	runErr := r.execute(ctx, dir, sum, progress, logger)

	sum.FinishedAt = time.Now()
	sum.Message = summarize(sum, runErr)

	if err := r.store.SetLastRun(state.LastRun{
		RunID:      sum.RunID,
		Direction:  string(dir),
		Status:     string(sum.Status),
		StartedAt:  sum.StartedAt.UnixMilli(),
		FinishedAt: sum.FinishedAt.UnixMilli(),
		Changed:    sum.Stats.Changed(),
		Failed:     len(sum.Stats.Failures),
		Message:    sum.Message,
	}); err != nil {
		logger.Warn("saving last run", slog.String("error", err.Error()))
	}

	logAttrs := []any{
		slog.String("status", string(sum.Status)),
		slog.Int("planned", sum.Planned),
		slog.Int("uploaded", sum.Stats.Uploaded),
		slog.Int("downloaded", sum.Stats.Downloaded),
		slog.Int("deleted_local", sum.Stats.DeletedLocal),
		slog.Int("deleted_remote", sum.Stats.DeletedRemote),
		slog.Int("folders", sum.Stats.FoldersCreated),
		slog.Int("failed", len(sum.Stats.Failures)),
		slog.String("bytes", humanize.Bytes(uint64(max(sum.Stats.Bytes, 0)))),
		slog.Duration("took", sum.FinishedAt.Sub(sum.StartedAt)),
	}

	switch sum.Status {
	case StatusSuccess:
		logger.Info("mirror run finished", logAttrs...)
	case StatusWarnings, StatusCancelled:
		logger.Warn("mirror run finished", logAttrs...)
	default:
		logger.Error("mirror run failed", append(logAttrs, slog.String("error", runErr.Error()))...)
	}

	progress.Done(sum.OK(), sum.Message)

	return sum, runErr
}

func (r *Runner) execute(ctx context.Context, dir Direction, sum *Summary, progress Progress, logger *slog.Logger) error {
	local, remoteSnap, actions, err := r.plan(ctx, dir)
	if err != nil {
		sum.Status = statusFor(err)
		return err
	}

	sum.Planned = len(actions)
	logger.Info("plan ready",
		slog.Int("local_items", len(local)),
		slog.Int("remote_items", len(remoteSnap)),
		slog.Int("actions", len(actions)),
	)

	exec := NewExecutor(ExecutorConfig{
		Local:     r.local,
		Remote:    r.remote,
		RootID:    r.rootID,
		Records:   r.store,
		Retry:     r.retry,
		Transfers: r.transfers,
		Logger:    logger,
	})

	stats, err := exec.Apply(ctx, actions, remoteSnap, progress)
	sum.Stats = stats

	if err != nil {
		sum.Status = statusFor(err)
		return err
	}

	sum.Pruned = r.prune(local, remoteSnap, logger)

	sum.Status = StatusSuccess
	if len(stats.Failures) > 0 {
		sum.Status = StatusWarnings
	}

	return nil
}

func (r *Runner) plan(ctx context.Context, dir Direction) (Snapshot, Snapshot, []Action, error) {
	if err := r.local.CheckRoot(); err != nil {
		return nil, nil, nil, err
	}

	local, err := r.enum.ScanLocal(ctx, r.local)
	if err != nil {
		return nil, nil, nil, err
	}

	remoteSnap, err := r.enum.ScanRemote(ctx, r.remote, r.rootID)
	if err != nil {
		return nil, nil, nil, err
	}

	records, err := r.store.AllRecords()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading records: %w", err)
	}

	return local, remoteSnap, Plan(local, remoteSnap, records, dir), nil
}

// prune drops records for paths that exist on neither side. Records of
// ignored paths are kept: the filter hides them from both snapshots, not
// from the mirror.
func (r *Runner) prune(local, remoteSnap Snapshot, logger *slog.Logger) int {
	records, err := r.store.AllRecords()
	if err != nil {
		logger.Warn("loading records for pruning", slog.String("error", err.Error()))
		return 0
	}

	pruned := 0

	for p := range records {
		_, inLocal := local[p]
		_, inRemote := remoteSnap[p]

		if inLocal || inRemote || r.enum.Filter.IgnoredPath(p) {
			continue
		}

		if err := r.store.DeleteRecord(p); err != nil {
			logger.Warn("pruning record", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}

		pruned++
	}

	if pruned > 0 {
		logger.Debug("pruned stale records", slog.Int("count", pruned))
	}

	return pruned
}

// lock takes the in-process and cross-process run locks.
func (r *Runner) lock() (func(), error) {
	if !r.mu.TryLock() {
		return nil, mirrorerr.ErrSyncInProgress
	}

	if err := r.local.CheckRoot(); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	fl := flock.New(filepath.Join(r.local.Dir(), LockFileName))

	locked, err := fl.TryLock()
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}

	if !locked {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: another process holds %s", mirrorerr.ErrSyncInProgress, fl.Path())
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			r.logger.Warn("releasing run lock", slog.String("error", err.Error()))
		}

		r.mu.Unlock()
	}, nil
}

func statusFor(err error) Status {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StatusCancelled
	}

	return StatusFailed
}

// summarize renders the one-line result shown when a run ends.
func summarize(sum *Summary, runErr error) string {
	s := sum.Stats

	var parts []string

	add := func(n int, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}

	add(s.Uploaded, "uploaded")
	add(s.Downloaded, "downloaded")
	add(s.DeletedLocal, "deleted locally")
	add(s.DeletedRemote, "deleted remotely")
	add(s.FoldersCreated, "folders created")
	add(len(s.Failures), "failed")

	detail := "no changes"
	if len(parts) > 0 {
		detail = strings.Join(parts, ", ")
	}

	if s.Bytes > 0 {
		detail += " (" + humanize.Bytes(uint64(s.Bytes)) + ")"
	}

	switch sum.Status {
	case StatusFailed:
		return fmt.Sprintf("%s failed: %v", sum.Direction, runErr)
	case StatusCancelled:
		return fmt.Sprintf("%s cancelled: %s", sum.Direction, detail)
	case StatusWarnings:
		return fmt.Sprintf("%s finished with warnings: %s", sum.Direction, detail)
	}

	return fmt.Sprintf("%s finished: %s", sum.Direction, detail)
}
