// Package localfs is the local side of a mirror: a directory tree
// addressed by slash-separated paths relative to its root.
package localfs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
)

const (
	// dirPerm is the permission mode for directories created inside the root.
	dirPerm = fs.FileMode(0o755)

	// filePerm is the permission mode for files written inside the root.
	filePerm = fs.FileMode(0o644)

	// TempPrefix marks in-flight download files. They live next to their
	// final path so the closing rename never crosses filesystems.
	TempPrefix = ".mirror-tmp-"
)

// mtimeMin and mtimeMax clamp remote-provided modification times to a
// reasonable range.
var (
	mtimeMin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	mtimeMax = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Info describes a file or directory.
type Info struct {
	Name   string
	Folder bool
	// Regular is false for symlinks, devices, sockets and pipes.
	Regular bool
	Size    int64
	// MTime is the modification time in unix milliseconds.
	MTime int64
}

func infoFrom(fi os.FileInfo) Info {
	mode := fi.Mode()

	return Info{
		Name:    fi.Name(),
		Folder:  fi.IsDir(),
		Regular: mode.IsRegular() || mode.IsDir(),
		Size:    fi.Size(),
		MTime:   fi.ModTime().UnixMilli(),
	}
}

// FS provides filesystem operations on the mirror root. Writes are
// serialized by an exclusive lock, reads take a shared lock so they
// never observe a rename half way.
type FS struct {
	dir string
	mu  sync.RWMutex
}

// New creates an FS rooted at dir, creating the directory if it does not
// exist. dir is resolved to an absolute path.
func New(dir string) (*FS, error) {
	if dir == "" {
		return nil, fmt.Errorf("local directory must not be empty")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("creating local directory %s: %w", abs, err)
	}

	return &FS{dir: abs}, nil
}

// Dir returns the root directory.
func (f *FS) Dir() string {
	return f.dir
}

// CheckRoot verifies the root still exists and is a directory.
func (f *FS) CheckRoot() error {
	fi, err := os.Stat(f.dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", mirrorerr.ErrLocalRootInvalid, f.dir, err)
	}

	if !fi.IsDir() {
		return fmt.Errorf("%w: %s", mirrorerr.ErrLocalRootInvalid, f.dir)
	}

	return nil
}

// ReadDir lists the children of a directory. The empty path is the root.
// Entries are returned without following symlinks.
func (f *FS) ReadDir(relPath string) ([]Info, error) {
	absPath, err := f.resolveAllowRoot(relPath)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(absPath)
	if err != nil {
		if relPath == "" {
			return nil, fmt.Errorf("%w: %v", mirrorerr.ErrLocalRootInvalid, err)
		}

		return nil, fmt.Errorf("reading directory %s: %w", relPath, err)
	}

	out := make([]Info, 0, len(entries))

	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if os.IsNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("stat %s/%s: %w", relPath, e.Name(), err)
		}

		out = append(out, infoFrom(fi))
	}

	return out, nil
}

// Stat returns info for a path without following a trailing symlink.
// Missing paths return an error wrapping ErrNotFound.
func (f *FS) Stat(relPath string) (Info, error) {
	absPath, err := f.resolveAllowRoot(relPath)
	if err != nil {
		return Info{}, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	fi, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("stat %s: %w", relPath, mirrorerr.ErrNotFound)
		}

		return Info{}, fmt.Errorf("stat %s: %w", relPath, err)
	}

	return infoFrom(fi), nil
}

// Open opens a file for reading.
func (f *FS) Open(relPath string) (io.ReadCloser, error) {
	absPath, err := f.resolve(relPath)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	file, err := os.Open(absPath) //nolint:gosec // G304: absPath validated by FS.resolve
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("opening %s: %w", relPath, mirrorerr.ErrNotFound)
		}

		return nil, fmt.Errorf("opening %s: %w", relPath, err)
	}

	return file, nil
}

// WriteStream replaces the item at relPath with the content of r. The
// content is streamed into a temporary file in the same directory first;
// only once it is complete is the existing item (file or directory)
// removed and the temporary file renamed into place. A failed or
// interrupted write never leaves a partial file at relPath. If mtime is
// non-zero it is applied to the new file. Returns the info of the written
// file.
func (f *FS) WriteStream(relPath string, r io.Reader, mtime time.Time) (Info, error) {
	absPath, err := f.resolve(relPath)
	if err != nil {
		return Info{}, err
	}

	dir := filepath.Dir(absPath)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return Info{}, fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return Info{}, fmt.Errorf("creating temp file for %s: %w", relPath, err)
	}

	tmpPath := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("writing %s: %w", relPath, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("syncing %s: %w", relPath, err)
	}

	if err := tmp.Close(); err != nil {
		return Info{}, fmt.Errorf("closing %s: %w", relPath, err)
	}

	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return Info{}, fmt.Errorf("setting permissions for %s: %w", relPath, err)
	}

	if !mtime.IsZero() {
		mtime = clampMtime(mtime)
		if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
			return Info{}, fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	if err := os.RemoveAll(absPath); err != nil {
		return Info{}, fmt.Errorf("removing existing %s: %w", relPath, err)
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		return Info{}, fmt.Errorf("renaming into %s: %w", relPath, err)
	}

	committed = true

	fi, err := os.Lstat(absPath)
	if err != nil {
		return Info{}, fmt.Errorf("stat %s after write: %w", relPath, err)
	}

	return infoFrom(fi), nil
}

// MkdirAll creates a directory and any missing parents. A file sitting
// where a directory is needed is removed first.
func (f *FS) MkdirAll(relPath string) error {
	absPath, err := f.resolve(relPath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if fi, err := os.Lstat(absPath); err == nil && !fi.IsDir() {
		if err := os.Remove(absPath); err != nil {
			return fmt.Errorf("removing file in place of directory %s: %w", relPath, err)
		}
	}

	if err := os.MkdirAll(absPath, dirPerm); err != nil {
		return fmt.Errorf("creating directory %s: %w", relPath, err)
	}

	return nil
}

// Remove deletes a file, or a directory with all its contents. Returns
// nil if the path does not exist.
func (f *FS) Remove(relPath string) error {
	absPath, err := f.resolve(relPath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.RemoveAll(absPath); err != nil {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

func (f *FS) resolveAllowRoot(relPath string) (string, error) {
	if relPath == "" {
		return f.dir, nil
	}

	return f.resolve(relPath)
}

// resolve converts a relative path to an absolute path within the root,
// rejecting traversal attempts: null bytes, ".." segments and symlinked
// parents that escape the root.
func (f *FS) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("path contains null byte: %q", relPath)
	}

	relPath = strings.ReplaceAll(relPath, "\\", "/")

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains ..: %q", relPath)
		}
	}

	absPath := filepath.Join(f.dir, filepath.FromSlash(relPath))
	if !strings.HasPrefix(absPath, f.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside %s", relPath, f.dir)
	}

	// The final component may legitimately be a symlink (it is skipped by
	// the scanner and replaced on write). Its parent must not escape.
	parentReal, err := filepath.EvalSymlinks(filepath.Dir(absPath))
	if err != nil {
		// Parent does not exist yet; MkdirAll will create it inside the
		// root since the prefix check above passed.
		return absPath, nil //nolint:nilerr // intentional: parent will be created
	}

	rootReal, err := filepath.EvalSymlinks(f.dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", mirrorerr.ErrLocalRootInvalid, err)
	}

	if parentReal != rootReal && !strings.HasPrefix(parentReal, rootReal+string(os.PathSeparator)) {
		return "", fmt.Errorf("symlink traversal blocked: parent of %q resolves to %q outside root", relPath, parentReal)
	}

	return absPath, nil
}

// clampMtime restricts a timestamp to the range [2000, 2100).
func clampMtime(t time.Time) time.Time {
	if t.Before(mtimeMin) {
		return mtimeMin
	}

	if t.After(mtimeMax) {
		return mtimeMax
	}

	return t
}
