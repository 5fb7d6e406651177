// Package mirror reconciles a local directory tree against a remote tree
// in one direction at a time. A run enumerates both sides, plans actions
// against the stored sync records and applies them, one record update per
// completed transfer.
package mirror

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/vault-mirror/internal/localfs"
	"github.com/alexjbarnes/vault-mirror/internal/state"
)

const (
	// LockFileName is the cross-process run lock kept in the local root.
	LockFileName = ".mirror.lock"

	// IgnoreFileName holds gitignore-style rules in the local root.
	IgnoreFileName = ".mirrorignore"
)

// Direction selects the authoritative side of a run.
type Direction string

const (
	// Upload treats the local tree as the source of truth.
	Upload Direction = "upload"
	// Download treats the remote tree as the source of truth.
	Download Direction = "download"
)

// ParseDirection accepts "upload" or "download".
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Upload:
		return Upload, nil
	case Download:
		return Download, nil
	}

	return "", fmt.Errorf("unknown direction %q (want upload or download)", s)
}

// Side names one end of the mirror.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Item describes a file or folder found by enumeration. Local items carry
// Size and MTime as their fingerprint, remote items carry Hash and ID.
type Item struct {
	Path   string
	Folder bool
	Size   int64
	// MTime is in unix milliseconds.
	MTime int64
	Hash  string
	ID    string
	// LocalPath is the name as found on disk, relative to the local root.
	// It differs from Path when the filesystem keeps names unnormalized.
	LocalPath string
}

// Snapshot maps a relative path to the item found there. Every ancestor
// folder of an entry is itself present.
type Snapshot map[string]Item

// ActionKind is what an action does to its target side.
type ActionKind string

const (
	ActionCreateFolder ActionKind = "create-folder"
	ActionTransfer     ActionKind = "transfer"
	ActionDelete       ActionKind = "delete"
)

// Action is one step of a plan. Item is the source descriptor for
// create-folder and transfer, and the destination descriptor for delete.
type Action struct {
	Kind   ActionKind
	Path   string
	Target Side
	Item   Item
	// LocalPath addresses the local side of the action on disk. Empty
	// means Path.
	LocalPath string
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s (%s)", a.Kind, a.Path, a.Target)
}

func (a Action) localPath() string {
	if a.LocalPath != "" {
		return a.LocalPath
	}

	return a.Path
}

// RecordStore persists sync records. Every call is its own transaction.
type RecordStore interface {
	Record(path string) (*state.Record, error)
	PutRecord(rec state.Record) error
	DeleteRecord(path string) error
	AllRecords() (map[string]state.Record, error)
}

// RunStore is a RecordStore that also remembers the last run.
type RunStore interface {
	RecordStore
	SetLastRun(lr state.LastRun) error
}

// LocalFS is the local filesystem capability, implemented by localfs.FS.
type LocalFS interface {
	Dir() string
	CheckRoot() error
	ReadDir(relPath string) ([]localfs.Info, error)
	Stat(relPath string) (localfs.Info, error)
	Open(relPath string) (io.ReadCloser, error)
	WriteStream(relPath string, r io.Reader, mtime time.Time) (localfs.Info, error)
	MkdirAll(relPath string) error
	Remove(relPath string) error
}

var _ LocalFS = (*localfs.FS)(nil)

var _ RunStore = (*state.ProfileStore)(nil)

// NormalizePath normalizes a relative path. It converts OS-native path
// separators to forward slashes, replaces non-breaking spaces with
// regular spaces, collapses repeated slashes, trims leading/trailing
// slashes, and applies Unicode NFC normalization. Local and remote names
// go through it so the same file compares equal on both sides.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.ReplaceAll(p, "\u00A0", " ")
	p = strings.ReplaceAll(p, "\u202F", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	p = strings.Trim(b.String(), "/")

	return norm.NFC.String(p)
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}

	return dir + "/" + name
}

func parentPath(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}

	return p[:i]
}

func baseName(p string) string {
	return path.Base(p)
}

// depth counts path segments; the root has depth 0.
func depth(p string) int {
	if p == "" {
		return 0
	}

	return strings.Count(p, "/") + 1
}

// isDescendant reports whether p lies strictly under ancestor.
func isDescendant(p, ancestor string) bool {
	if ancestor == "" {
		return p != ""
	}

	return strings.HasPrefix(p, ancestor+"/")
}
