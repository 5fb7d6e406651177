package mirror

import (
	"sort"

	"github.com/alexjbarnes/vault-mirror/internal/state"
)

// Plan compares the two snapshots against the stored records and returns
// the ordered actions that make the destination match the source. It is a
// pure function with no I/O.
//
// Every source folder missing on the destination (or present there as a
// file) gets a create-folder. Every source file is transferred when the
// destination has no file at its path, when no record exists, or when its
// fingerprint differs from the record: size and mtime for a local source,
// content hash for a remote source. Every destination path absent from the
// source is deleted.
//
// Deletes come first, deepest path first, so a folder is only removed
// after its descendants. Folder creations follow shallowest first, then
// transfers, so a parent always exists before anything is written into it.
//
// Each action carries the on-disk path of its local side. A path with no
// local item yet is placed under its parent's on-disk name.
func Plan(local, remote Snapshot, records map[string]state.Record, dir Direction) []Action {
	src, dst, target := local, remote, SideRemote
	if dir == Download {
		src, dst, target = remote, local, SideLocal
	}

	var creates, transfers, deletes []Action

	for p, item := range src {
		existing, onDest := dst[p]

		if item.Folder {
			if !onDest || !existing.Folder {
				creates = append(creates, Action{Kind: ActionCreateFolder, Path: p, Target: target, Item: item})
			}

			continue
		}

		rec, hasRecord := records[p]
		if !onDest || existing.Folder || !hasRecord || fingerprintChanged(item, rec, dir) {
			transfers = append(transfers, Action{Kind: ActionTransfer, Path: p, Target: target, Item: item})
		}
	}

	for p, item := range dst {
		if _, inSource := src[p]; !inSource {
			deletes = append(deletes, Action{Kind: ActionDelete, Path: p, Target: target, Item: item})
		}
	}

	sortShallowFirst(creates)
	sortShallowFirst(transfers)
	sort.Slice(deletes, func(i, j int) bool {
		di, dj := depth(deletes[i].Path), depth(deletes[j].Path)
		if di != dj {
			return di > dj
		}

		return deletes[i].Path < deletes[j].Path
	})

	actions := make([]Action, 0, len(deletes)+len(creates)+len(transfers))
	actions = append(actions, deletes...)
	actions = append(actions, creates...)
	actions = append(actions, transfers...)

	for i := range actions {
		actions[i].LocalPath = diskPath(local, actions[i].Path)
	}

	return actions
}

// diskPath resolves a normalized path to its name on disk.
func diskPath(local Snapshot, p string) string {
	if p == "" {
		return ""
	}

	if item, ok := local[p]; ok && item.LocalPath != "" {
		return item.LocalPath
	}

	return joinPath(diskPath(local, parentPath(p)), baseName(p))
}

// fingerprintChanged compares a source file against its record. The
// comparison differs by direction: uploads trust size and mtime, downloads
// trust the remote content hash.
func fingerprintChanged(item Item, rec state.Record, dir Direction) bool {
	if dir == Download {
		return item.Hash != rec.Hash
	}

	return item.Size != rec.Size || item.MTime != rec.LocalMTime
}

func sortShallowFirst(actions []Action) {
	sort.Slice(actions, func(i, j int) bool {
		di, dj := depth(actions[i].Path), depth(actions[j].Path)
		if di != dj {
			return di < dj
		}

		return actions[i].Path < actions[j].Path
	})
}
