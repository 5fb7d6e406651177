package mirror

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alexjbarnes/vault-mirror/internal/localfs"
	"github.com/alexjbarnes/vault-mirror/internal/remote/memremote"
	"github.com/alexjbarnes/vault-mirror/internal/state"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fastRetry keeps retry tests quick.
var fastRetry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// t1 is a fixed modification time used for local test files.
var t1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testLocal(t *testing.T) *localfs.FS {
	t.Helper()
	fsys, err := localfs.New(t.TempDir())
	require.NoError(t, err)

	return fsys
}

func testStore(t *testing.T) *state.ProfileStore {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ps, err := s.OpenProfile(state.Profile{LocalDir: "/test", Backend: "memory", RemoteRoot: memremote.RootID})
	require.NoError(t, err)

	return ps
}

// writeLocal creates a file under the root with a fixed mtime.
func writeLocal(t *testing.T, fsys *localfs.FS, rel, content string, mtime time.Time) {
	t.Helper()
	abs := filepath.Join(fsys.Dir(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(abs, mtime, mtime))
}

func readLocal(t *testing.T, fsys *localfs.FS, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fsys.Dir(), filepath.FromSlash(rel)))
	require.NoError(t, err)

	return string(data)
}

func testRunner(t *testing.T, fsys *localfs.FS, rem *memremote.Storage, store *state.ProfileStore) *Runner {
	t.Helper()

	return NewRunner(RunnerConfig{
		Local:     fsys,
		Remote:    rem,
		RootID:    memremote.RootID,
		Store:     store,
		Retry:     fastRetry,
		Transfers: 1,
		Logger:    quietLogger,
	})
}

func testEnumerator() *Enumerator {
	return &Enumerator{Retry: fastRetry, Logger: quietLogger}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

// recordingProgress captures updates for assertions.
type recordingProgress struct {
	percents []int
	errs     map[string]error
	done     bool
	ok       bool
	onUpdate func(path string)
}

func newRecordingProgress() *recordingProgress {
	return &recordingProgress{errs: map[string]error{}}
}

func (r *recordingProgress) Update(path string, percent int, err error) {
	r.percents = append(r.percents, percent)
	if err != nil {
		r.errs[path] = err
	}

	if r.onUpdate != nil {
		r.onUpdate(path)
	}
}

func (r *recordingProgress) Done(ok bool, _ string) {
	r.done = true
	r.ok = ok
}
