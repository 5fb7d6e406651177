package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/remote"
	"github.com/alexjbarnes/vault-mirror/internal/state"
)

// Failure records an action that did not complete.
type Failure struct {
	Action Action
	Err    error
}

// Stats counts the outcome of applying a plan.
type Stats struct {
	FoldersCreated int
	Uploaded       int
	Downloaded     int
	DeletedLocal   int
	DeletedRemote  int
	Bytes          int64
	Failures       []Failure
}

// Changed is the number of actions that completed.
func (s *Stats) Changed() int {
	return s.FoldersCreated + s.Uploaded + s.Downloaded + s.DeletedLocal + s.DeletedRemote
}

// ExecutorConfig holds the dependencies of an Executor.
type ExecutorConfig struct {
	Local   LocalFS
	Remote  remote.Storage
	RootID  string
	Records RecordStore
	Retry   RetryPolicy
	// Transfers bounds the number of concurrent transfers. Values below 1
	// mean one at a time.
	Transfers int
	Logger    *slog.Logger
}

// Executor applies planned actions against the live backends.
type Executor struct {
	local     LocalFS
	remote    remote.Storage
	rootID    string
	records   RecordStore
	retry     RetryPolicy
	transfers int
	logger    *slog.Logger

	// mu guards the maps below, which parallel transfers share.
	mu          sync.Mutex
	folderIDs   map[string]string
	remoteItems Snapshot
	attempted   map[string]bool
	uploaded    map[string]bool

	statsMu sync.Mutex
	stats   Stats
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		local:     cfg.Local,
		remote:    cfg.Remote,
		rootID:    cfg.RootID,
		records:   cfg.Records,
		retry:     cfg.Retry,
		transfers: max(cfg.Transfers, 1),
		logger:    cfg.Logger,
	}
}

// Apply runs the actions in plan order. remoteSnap is the remote snapshot
// the plan was built from; it supplies the ids of existing remote items.
//
// A failed action is logged, reported and skipped; its record is left
// untouched. Authentication failures and an invalid local root abort the
// run and are returned. Cancellation is checked between actions; an
// action already started runs to completion or failure first, and the
// context error is returned.
func (e *Executor) Apply(ctx context.Context, actions []Action, remoteSnap Snapshot, progress Progress) (Stats, error) {
	if progress == nil {
		progress = nopProgress{}
	}

	e.seed(remoteSnap)

	e.stats = Stats{}
	t := newTracker(len(actions), progress)

	var sequential, transfers []Action

	for _, a := range actions {
		if a.Kind == ActionTransfer {
			transfers = append(transfers, a)
		} else {
			sequential = append(sequential, a)
		}
	}

	// Deletes and folder creations precede transfers in a plan; keep that
	// order and only fan out the transfers.
	for _, a := range sequential {
		if err := ctx.Err(); err != nil {
			return e.stats, err
		}

		if err := e.applyOne(ctx, a, t); err != nil {
			return e.stats, err
		}
	}

	if err := e.applyTransfers(ctx, transfers, t); err != nil {
		return e.stats, err
	}

	return e.stats, nil
}

func (e *Executor) applyTransfers(ctx context.Context, actions []Action, t *tracker) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.transfers)

	for _, a := range actions {
		// gctx is also cancelled by a fatal error in another transfer.
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			return e.applyOne(ctx, a, t)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

// applyOne runs a single action with retries. Only fatal errors are
// returned; anything else becomes a recorded failure.
func (e *Executor) applyOne(ctx context.Context, a Action, t *tracker) error {
	// An action that has started is not interrupted by cancellation.
	actx := context.WithoutCancel(ctx)

	var n int64

	err := e.retry.Do(ctx, e.logger, a.String(), func() error {
		var err error
		n, err = e.do(actx, a)

		return err
	})

	if err != nil && isFatal(err) {
		e.logger.Error("fatal error, aborting run", slog.String("action", a.String()), slog.String("error", err.Error()))
		t.step(a.Path, err)

		return err
	}

	e.count(a, n, err)
	t.step(a.Path, err)

	if err != nil {
		e.logger.Warn("action failed",
			slog.String("kind", string(a.Kind)),
			slog.String("path", a.Path),
			slog.String("target", string(a.Target)),
			slog.String("error", err.Error()),
		)

		return nil
	}

	e.logger.Debug("action done", slog.String("action", a.String()))

	return nil
}

func (e *Executor) do(ctx context.Context, a Action) (int64, error) {
	switch {
	case a.Kind == ActionCreateFolder && a.Target == SideRemote:
		_, err := e.ensureRemoteFolder(ctx, a.Path)
		if err == nil {
			err = e.records.DeleteRecord(a.Path)
		}

		return 0, err
	case a.Kind == ActionCreateFolder && a.Target == SideLocal:
		err := e.local.MkdirAll(a.localPath())
		if err == nil {
			err = e.records.DeleteRecord(a.Path)
		}

		return 0, err
	case a.Kind == ActionTransfer && a.Target == SideRemote:
		return e.upload(ctx, a)
	case a.Kind == ActionTransfer && a.Target == SideLocal:
		return e.download(ctx, a)
	case a.Kind == ActionDelete && a.Target == SideLocal:
		if err := e.local.Remove(a.localPath()); err != nil {
			return 0, err
		}

		return 0, e.records.DeleteRecord(a.Path)
	case a.Kind == ActionDelete && a.Target == SideRemote:
		if err := e.deleteRemote(ctx, a.Path); err != nil {
			return 0, err
		}

		return 0, e.records.DeleteRecord(a.Path)
	}

	return 0, fmt.Errorf("unsupported action %s", a)
}

// upload replaces the remote item at the action's path with the local
// file. The record keeps the local stat taken before reading, so a file
// modified during the upload is sent again on the next run.
//
// A retried upload first removes any file of the same name the earlier
// attempt may have created before its response was lost.
func (e *Executor) upload(ctx context.Context, a Action) (int64, error) {
	p := a.Path

	info, err := e.local.Stat(a.localPath())
	if err != nil {
		return 0, err
	}

	if info.Folder {
		return 0, fmt.Errorf("%s became a folder since enumeration", p)
	}

	parentID, err := e.ensureRemoteFolder(ctx, parentPath(p))
	if err != nil {
		return 0, err
	}

	if err := e.deleteRemote(ctx, p); err != nil {
		return 0, fmt.Errorf("removing existing remote item: %w", err)
	}

	if e.markUploadAttempt(p) {
		if err := e.removeStrayUploads(ctx, parentID, baseName(p)); err != nil {
			return 0, err
		}
	}

	f, err := e.local.Open(a.localPath())
	if err != nil {
		return 0, err
	}
	defer f.Close()

	entry, err := e.remote.Upload(ctx, parentID, baseName(p), f, info.Size)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.remoteItems[p] = Item{Path: p, Size: entry.Size, Hash: entry.Hash, ID: entry.ID, MTime: entry.MTime}
	e.mu.Unlock()

	rec := state.Record{
		Path:       p,
		RemoteID:   entry.ID,
		LocalMTime: info.MTime,
		Size:       info.Size,
		Hash:       entry.Hash,
		SyncedAt:   time.Now().UnixMilli(),
	}

	if err := e.records.PutRecord(rec); err != nil {
		return 0, fmt.Errorf("saving record: %w", err)
	}

	return info.Size, nil
}

// download replaces the local item at the action's path with the remote
// file. The new content only becomes visible once fully written.
func (e *Executor) download(ctx context.Context, a Action) (int64, error) {
	rc, err := e.remote.Download(ctx, a.Item.ID)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var mtime time.Time
	if a.Item.MTime > 0 {
		mtime = time.UnixMilli(a.Item.MTime)
	}

	info, err := e.local.WriteStream(a.localPath(), rc, mtime)
	if err != nil {
		return 0, err
	}

	rec := state.Record{
		Path:       a.Path,
		RemoteID:   a.Item.ID,
		LocalMTime: info.MTime,
		Size:       info.Size,
		Hash:       a.Item.Hash,
		SyncedAt:   time.Now().UnixMilli(),
	}

	if err := e.records.PutRecord(rec); err != nil {
		return 0, fmt.Errorf("saving record: %w", err)
	}

	return info.Size, nil
}

// markUploadAttempt records an upload attempt for p and reports whether
// one was made before in this run.
func (e *Executor) markUploadAttempt(p string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	retried := e.uploaded[p]
	e.uploaded[p] = true

	return retried
}

// removeStrayUploads deletes files named name under parentID.
func (e *Executor) removeStrayUploads(ctx context.Context, parentID, name string) error {
	_, files, err := e.findChild(ctx, parentID, name)
	if err != nil {
		return err
	}

	for _, id := range files {
		if err := e.remote.Delete(ctx, id); err != nil && !errors.Is(err, mirrorerr.ErrNotFound) {
			return fmt.Errorf("removing earlier upload of %s: %w", name, err)
		}
	}

	return nil
}

// deleteRemote removes the remote item known at p, if any. An item that
// is already gone counts as deleted.
func (e *Executor) deleteRemote(ctx context.Context, p string) error {
	e.mu.Lock()
	item, ok := e.remoteItems[p]
	e.mu.Unlock()

	if !ok {
		return nil
	}

	if err := e.remote.Delete(ctx, item.ID); err != nil && !errors.Is(err, mirrorerr.ErrNotFound) {
		return err
	}

	e.mu.Lock()
	delete(e.remoteItems, p)

	if item.Folder {
		for known := range e.folderIDs {
			if known == p || isDescendant(known, p) {
				delete(e.folderIDs, known)
			}
		}
	}
	e.mu.Unlock()

	return nil
}

// ensureRemoteFolder returns the id of the remote folder at p, creating it
// and any missing ancestors in order. A file occupying the path is
// removed first. A retried creation looks the folder up by name before
// creating it again, since the failed attempt may have succeeded remotely
// and some backends accept duplicate names.
func (e *Executor) ensureRemoteFolder(ctx context.Context, p string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ensureRemoteFolderLocked(ctx, p)
}

func (e *Executor) ensureRemoteFolderLocked(ctx context.Context, p string) (string, error) {
	if id, ok := e.folderIDs[p]; ok {
		return id, nil
	}

	parentID, err := e.ensureRemoteFolderLocked(ctx, parentPath(p))
	if err != nil {
		return "", err
	}

	name := baseName(p)

	var (
		id    string
		files []string
	)

	if e.attempted[p] {
		id, files, err = e.findChild(ctx, parentID, name)
		if err != nil {
			return "", err
		}
	} else if existing, ok := e.remoteItems[p]; ok && !existing.Folder {
		files = append(files, existing.ID)
	}

	e.attempted[p] = true

	for _, fileID := range files {
		if err := e.remote.Delete(ctx, fileID); err != nil && !errors.Is(err, mirrorerr.ErrNotFound) {
			return "", fmt.Errorf("removing file in place of folder %s: %w", p, err)
		}
	}

	if id == "" {
		entry, err := e.remote.CreateFolder(ctx, parentID, name)
		if err != nil {
			return "", fmt.Errorf("creating folder %s: %w", p, err)
		}

		id = entry.ID
	}

	e.folderIDs[p] = id
	e.remoteItems[p] = Item{Path: p, Folder: true, ID: id}

	return id, nil
}

// findChild lists parentID looking for name. It returns the id of the
// first folder with that name and the ids of any files with it.
func (e *Executor) findChild(ctx context.Context, parentID, name string) (string, []string, error) {
	var (
		folderID string
		files    []string
	)

	token := ""

	for {
		page, err := e.remote.List(ctx, parentID, token)
		if err != nil {
			return "", nil, fmt.Errorf("looking up %s: %w", name, err)
		}

		for _, entry := range page.Entries {
			if entry.Trashed || NormalizePath(entry.Name) != NormalizePath(name) {
				continue
			}

			if entry.Folder {
				if folderID == "" {
					folderID = entry.ID
				}
			} else {
				files = append(files, entry.ID)
			}
		}

		if page.NextPageToken == "" {
			return folderID, files, nil
		}

		token = page.NextPageToken
	}
}

func (e *Executor) seed(remoteSnap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.folderIDs = map[string]string{"": e.rootID}
	e.remoteItems = make(Snapshot, len(remoteSnap))
	e.attempted = make(map[string]bool)
	e.uploaded = make(map[string]bool)

	for p, item := range remoteSnap {
		e.remoteItems[p] = item

		if item.Folder {
			e.folderIDs[p] = item.ID
		}
	}
}

func (e *Executor) count(a Action, n int64, err error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	if err != nil {
		e.stats.Failures = append(e.stats.Failures, Failure{Action: a, Err: err})
		return
	}

	switch {
	case a.Kind == ActionCreateFolder:
		e.stats.FoldersCreated++
	case a.Kind == ActionTransfer && a.Target == SideRemote:
		e.stats.Uploaded++
		e.stats.Bytes += n
	case a.Kind == ActionTransfer && a.Target == SideLocal:
		e.stats.Downloaded++
		e.stats.Bytes += n
	case a.Kind == ActionDelete && a.Target == SideLocal:
		e.stats.DeletedLocal++
	case a.Kind == ActionDelete && a.Target == SideRemote:
		e.stats.DeletedRemote++
	}
}

// isFatal reports whether err must abort the whole run.
func isFatal(err error) bool {
	return errors.Is(err, mirrorerr.ErrUnauthorized) || errors.Is(err, mirrorerr.ErrLocalRootInvalid)
}
