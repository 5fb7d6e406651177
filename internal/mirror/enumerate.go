package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/remote"
)

// Enumerator builds snapshots of both sides. Each recursive call returns
// its own sub-snapshot which the caller merges, so nothing is shared
// between levels of the walk.
type Enumerator struct {
	Filter *Filter
	// Retry applies to remote listing calls. The zero value tries once.
	Retry  RetryPolicy
	Logger *slog.Logger
}

// ScanLocal walks the local tree. Symlinks and special files are skipped.
// Any error aborts the scan; a partial snapshot is never returned.
func (e *Enumerator) ScanLocal(ctx context.Context, fsys LocalFS) (Snapshot, error) {
	snap, err := e.scanLocalDir(ctx, fsys, "", "")
	if err != nil {
		return nil, enumerationError("local", err)
	}

	return snap, nil
}

// scanLocalDir lists diskDir (the path as found on disk) and keys entries
// by their normalized path under dir.
func (e *Enumerator) scanLocalDir(ctx context.Context, fsys LocalFS, diskDir, dir string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := fsys.ReadDir(diskDir)
	if err != nil {
		return nil, err
	}

	out := make(Snapshot, len(infos))

	for _, info := range infos {
		if !info.Regular {
			e.Logger.Debug("skipping non-regular file", slog.String("path", joinPath(diskDir, info.Name)))
			continue
		}

		p := NormalizePath(joinPath(dir, info.Name))
		if e.Filter.Ignored(p, info.Folder) {
			continue
		}

		onDisk := joinPath(diskDir, info.Name)

		if !info.Folder {
			out[p] = Item{Path: p, Size: info.Size, MTime: info.MTime, LocalPath: onDisk}
			continue
		}

		out[p] = Item{Path: p, Folder: true, LocalPath: onDisk}

		sub, err := e.scanLocalDir(ctx, fsys, onDisk, p)
		if err != nil {
			return nil, err
		}

		maps.Copy(out, sub)
	}

	return out, nil
}

// ScanRemote walks the remote tree from rootID, following every
// continuation token and descending into child folders as they are
// discovered. Trashed entries are dropped. When a folder holds several
// entries with the same name the first one listed wins.
func (e *Enumerator) ScanRemote(ctx context.Context, store remote.Storage, rootID string) (Snapshot, error) {
	snap, err := e.scanRemoteFolder(ctx, store, rootID, "")
	if err != nil {
		return nil, enumerationError("remote", err)
	}

	return snap, nil
}

func (e *Enumerator) scanRemoteFolder(ctx context.Context, store remote.Storage, folderID, dir string) (Snapshot, error) {
	out := make(Snapshot)
	token := ""

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var page *remote.Page

		err := e.Retry.Do(ctx, e.Logger, "list "+dir, func() error {
			var listErr error
			page, listErr = store.List(ctx, folderID, token)

			return listErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing %q: %w", dir, err)
		}

		for _, entry := range page.Entries {
			if entry.Trashed {
				continue
			}

			p := NormalizePath(joinPath(dir, entry.Name))
			if p == "" || p == dir {
				continue
			}

			if _, dup := out[p]; dup {
				e.Logger.Warn("duplicate remote name, keeping first",
					slog.String("path", p),
					slog.String("ignored_id", entry.ID),
				)

				continue
			}

			if e.Filter.Ignored(p, entry.Folder) {
				continue
			}

			if !entry.Folder {
				out[p] = Item{Path: p, Size: entry.Size, MTime: entry.MTime, Hash: entry.Hash, ID: entry.ID}
				continue
			}

			out[p] = Item{Path: p, Folder: true, ID: entry.ID}

			sub, err := e.scanRemoteFolder(ctx, store, entry.ID, p)
			if err != nil {
				return nil, err
			}

			maps.Copy(out, sub)
		}

		if page.NextPageToken == "" {
			return out, nil
		}

		token = page.NextPageToken
	}
}

// enumerationError marks err as an enumeration failure. Cancellation and
// fatal sentinels stay matchable through the wrap.
func enumerationError(side string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %s: %w", mirrorerr.ErrEnumeration, side, err)
}
