package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/alexjbarnes/vault-mirror/internal/localfs"
)

// defaultIgnoreLines are never mirrored in either direction.
var defaultIgnoreLines = []string{
	LockFileName,
	localfs.TempPrefix + "*",
	IgnoreFileName,
	".git",
	".DS_Store",
	"Thumbs.db",
}

// defaultFilter applies when no filter is configured.
var defaultFilter, _ = NewFilter(nil, nil)

// Filter decides which paths take part in a run. Ignored paths are
// neither transferred nor deleted on either side, and an ignored folder
// hides its whole subtree.
type Filter struct {
	ignore   *gitignore.GitIgnore
	excludes []string
}

// NewFilter compiles gitignore-style lines (on top of the defaults) and
// doublestar exclude globs.
func NewFilter(lines, excludes []string) (*Filter, error) {
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	all := make([]string, 0, len(defaultIgnoreLines)+len(lines))
	all = append(all, defaultIgnoreLines...)
	all = append(all, lines...)

	return &Filter{
		ignore:   gitignore.CompileIgnoreLines(all...),
		excludes: excludes,
	}, nil
}

// LoadFilter builds a filter from the IgnoreFileName in dir, if present,
// plus the exclude globs.
func LoadFilter(dir string, excludes []string) (*Filter, error) {
	var lines []string

	data, err := os.ReadFile(filepath.Join(dir, IgnoreFileName)) //nolint:gosec // G304: fixed name inside the mirror root
	switch {
	case err == nil:
		lines = strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading %s: %w", IgnoreFileName, err)
	}

	return NewFilter(lines, excludes)
}

// Ignored reports whether a normalized relative path is excluded. folder
// lets directory-only patterns such as "build/" match.
func (f *Filter) Ignored(p string, folder bool) bool {
	if p == "" {
		return false
	}

	if f == nil {
		f = defaultFilter
	}

	candidate := p
	if folder {
		candidate += "/"
	}

	if f.ignore.MatchesPath(candidate) {
		return true
	}

	for _, pattern := range f.excludes {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}

	return false
}

// IgnoredPath reports whether p or any folder above it is ignored. It
// serves paths whose kind is unknown, such as stored records.
func (f *Filter) IgnoredPath(p string) bool {
	if f.Ignored(p, false) || f.Ignored(p, true) {
		return true
	}

	for dir := parentPath(p); dir != ""; dir = parentPath(dir) {
		if f.Ignored(dir, true) {
			return true
		}
	}

	return false
}
