package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/localfs"
	"github.com/alexjbarnes/vault-mirror/internal/remote"
	"github.com/alexjbarnes/vault-mirror/internal/remote/memremote"
	"github.com/alexjbarnes/vault-mirror/internal/state"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

// scanAndApply plans one direction from live snapshots and applies it.
func scanAndApply(ctx context.Context, t *testing.T, fsys *localfs.FS, rem *memremote.Storage, store *state.ProfileStore, dir Direction, transfers int, progress Progress) (Stats, error) {
	t.Helper()

	enum := testEnumerator()

	local, err := enum.ScanLocal(context.Background(), fsys)
	require.NoError(t, err)

	remoteSnap, err := enum.ScanRemote(context.Background(), rem, memremote.RootID)
	require.NoError(t, err)

	records, err := store.AllRecords()
	require.NoError(t, err)

	exec := NewExecutor(ExecutorConfig{
		Local:     fsys,
		Remote:    rem,
		RootID:    memremote.RootID,
		Records:   store,
		Retry:     fastRetry,
		Transfers: transfers,
		Logger:    quietLogger,
	})

	return exec.Apply(ctx, Plan(local, remoteSnap, records, dir), remoteSnap, progress)
}

func TestApply_InitialUpload(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	writeLocal(t, fsys, "a/b.txt", "hello", t1)

	progress := newRecordingProgress()

	stats, err := scanAndApply(context.Background(), t, fsys, rem, store, Upload, 1, progress)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FoldersCreated)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, int64(5), stats.Bytes)
	assert.Empty(t, stats.Failures)
	assert.Equal(t, []int{50, 100}, progress.percents)

	tree := rem.Tree()
	assert.Equal(t, []string{"a", "a/b.txt"}, sortedKeys(tree))
	assert.True(t, tree["a"].Folder)

	content, ok := rem.Content("a/b.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(content))

	rec, err := store.Record("a/b.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, tree["a/b.txt"].ID, rec.RemoteID)
	assert.Equal(t, helloMD5, rec.Hash)
	assert.Equal(t, int64(5), rec.Size)
	assert.Equal(t, t1.UnixMilli(), rec.LocalMTime)
}

func TestApply_DownloadDeletesAndWrites(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	writeLocal(t, fsys, "old.txt", "old", t1)
	writeLocal(t, fsys, "stale/deep/x.txt", "x", t1)
	require.NoError(t, store.PutRecord(state.Record{Path: "old.txt", Size: 3, LocalMTime: t1.UnixMilli(), Hash: "h"}))

	entry := rem.PutFile("docs/hello.txt", []byte("hello"))
	rem.PutFolder("empty")

	stats, err := scanAndApply(context.Background(), t, fsys, rem, store, Download, 1, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Downloaded)
	assert.Equal(t, 4, stats.DeletedLocal)
	assert.Equal(t, 2, stats.FoldersCreated)

	assert.NoFileExists(t, filepath.Join(fsys.Dir(), "old.txt"))
	assert.NoDirExists(t, filepath.Join(fsys.Dir(), "stale"))
	assert.DirExists(t, filepath.Join(fsys.Dir(), "empty"))
	assert.Equal(t, "hello", readLocal(t, fsys, "docs/hello.txt"))

	fi, err := os.Stat(filepath.Join(fsys.Dir(), "docs", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, entry.MTime, fi.ModTime().UnixMilli())

	rec, err := store.Record("old.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = store.Record("docs/hello.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, entry.ID, rec.RemoteID)
	assert.Equal(t, helloMD5, rec.Hash)
	assert.Equal(t, fi.ModTime().UnixMilli(), rec.LocalMTime)
}

func TestApply_TransientFailureSkipsOneItem(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	writeLocal(t, fsys, "good1.txt", "1", t1)
	writeLocal(t, fsys, "bad.txt", "b", t1)
	writeLocal(t, fsys, "good2.txt", "2", t1)

	rem.FailFunc = func(op, name string) error {
		if op == memremote.OpUpload && name == "bad.txt" {
			return remote.Transient(errors.New("503 backend error"))
		}

		return nil
	}

	progress := newRecordingProgress()

	stats, err := scanAndApply(context.Background(), t, fsys, rem, store, Upload, 1, progress)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Uploaded)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, "bad.txt", stats.Failures[0].Action.Path)
	assert.True(t, remote.IsTransient(stats.Failures[0].Err))
	assert.Contains(t, progress.errs, "bad.txt")
	assert.Equal(t, 2+fastRetry.Attempts, rem.Calls[memremote.OpUpload])

	rec, err := store.Record("bad.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The next run only retries the failed item.
	rem.FailFunc = nil
	rem.Calls = map[string]int{}

	stats, err = scanAndApply(context.Background(), t, fsys, rem, store, Upload, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, 1, rem.Calls[memremote.OpUpload])
}

func TestApply_ThrottledUploadSucceedsOnRetry(t *testing.T) {
	fsys, store := testLocal(t), testStore(t)
	writeLocal(t, fsys, "a.txt", "a", t1)

	ctrl := gomock.NewController(t)
	rem := remote.NewMockStorage(ctrl)

	gomock.InOrder(
		rem.EXPECT().Upload(gomock.Any(), "root", "a.txt", gomock.Any(), int64(1)).
			Return(remote.Entry{}, remote.Transient(errors.New("rate limited"))),
		rem.EXPECT().List(gomock.Any(), "root", "").Return(&remote.Page{}, nil),
		rem.EXPECT().Upload(gomock.Any(), "root", "a.txt", gomock.Any(), int64(1)).
			Return(remote.Entry{ID: "f1", Name: "a.txt", Size: 1, Hash: "h1"}, nil),
	)

	exec := NewExecutor(ExecutorConfig{Local: fsys, Remote: rem, RootID: "root", Records: store, Retry: fastRetry, Logger: quietLogger})

	stats, err := exec.Apply(context.Background(), []Action{
		{Kind: ActionTransfer, Path: "a.txt", Target: SideRemote, Item: Item{Path: "a.txt", Size: 1}},
	}, Snapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Empty(t, stats.Failures)

	rec, err := store.Record("a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "f1", rec.RemoteID)
	assert.Equal(t, "h1", rec.Hash)
}

func TestApply_RetriedUploadRemovesEarlierCopy(t *testing.T) {
	fsys, store := testLocal(t), testStore(t)
	writeLocal(t, fsys, "a.txt", "a", t1)

	ctrl := gomock.NewController(t)
	rem := remote.NewMockStorage(ctrl)

	// The first upload lands remotely but its response is lost.
	gomock.InOrder(
		rem.EXPECT().Upload(gomock.Any(), "root", "a.txt", gomock.Any(), int64(1)).
			Return(remote.Entry{}, remote.Transient(errors.New("connection reset"))),
		rem.EXPECT().List(gomock.Any(), "root", "").Return(&remote.Page{
			Entries: []remote.Entry{
				{ID: "other", Name: "b.txt"},
				{ID: "orphan", Name: "a.txt", Size: 1, Hash: "h1"},
			},
		}, nil),
		rem.EXPECT().Delete(gomock.Any(), "orphan").Return(nil),
		rem.EXPECT().Upload(gomock.Any(), "root", "a.txt", gomock.Any(), int64(1)).
			Return(remote.Entry{ID: "f2", Name: "a.txt", Size: 1, Hash: "h1"}, nil),
	)

	exec := NewExecutor(ExecutorConfig{Local: fsys, Remote: rem, RootID: "root", Records: store, Retry: fastRetry, Logger: quietLogger})

	stats, err := exec.Apply(context.Background(), []Action{
		{Kind: ActionTransfer, Path: "a.txt", Target: SideRemote, Item: Item{Path: "a.txt", Size: 1}},
	}, Snapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)

	rec, err := store.Record("a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "f2", rec.RemoteID)
}

func TestApply_FailedUploadKeepsPriorRecord(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	old := rem.PutFile("bad.txt", []byte("old content"))
	writeLocal(t, fsys, "bad.txt", "new", t1)

	prior := state.Record{
		Path:       "bad.txt",
		RemoteID:   old.ID,
		LocalMTime: t1.Add(-time.Hour).UnixMilli(),
		Size:       11,
		Hash:       "0ld-hash",
		SyncedAt:   1700000000000,
	}
	require.NoError(t, store.PutRecord(prior))

	rem.FailFunc = func(op, name string) error {
		if op == memremote.OpUpload && name == "bad.txt" {
			return remote.Transient(errors.New("503 backend error"))
		}

		return nil
	}

	stats, err := scanAndApply(context.Background(), t, fsys, rem, store, Upload, 1, nil)
	require.NoError(t, err)
	require.Len(t, stats.Failures, 1)

	// The old remote copy went first, the record still describes it.
	assert.Empty(t, rem.Tree())

	rec, err := store.Record("bad.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, prior, *rec)

	rem.FailFunc = nil

	stats, err = scanAndApply(context.Background(), t, fsys, rem, store, Upload, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)

	content, ok := rem.Content("bad.txt")
	require.True(t, ok)
	assert.Equal(t, "new", string(content))
}

func TestApply_UnauthorizedAbortsRun(t *testing.T) {
	fsys, store := testLocal(t), testStore(t)
	writeLocal(t, fsys, "a.txt", "a", t1)
	writeLocal(t, fsys, "b.txt", "b", t1)

	ctrl := gomock.NewController(t)
	rem := remote.NewMockStorage(ctrl)

	rem.EXPECT().Upload(gomock.Any(), "root", "a.txt", gomock.Any(), gomock.Any()).
		Return(remote.Entry{}, fmt.Errorf("upload: %w", mirrorerr.ErrUnauthorized)).Times(1)

	exec := NewExecutor(ExecutorConfig{Local: fsys, Remote: rem, RootID: "root", Records: store, Retry: fastRetry, Logger: quietLogger})

	stats, err := exec.Apply(context.Background(), []Action{
		{Kind: ActionTransfer, Path: "a.txt", Target: SideRemote},
		{Kind: ActionTransfer, Path: "b.txt", Target: SideRemote},
	}, Snapshot{}, nil)
	assert.ErrorIs(t, err, mirrorerr.ErrUnauthorized)
	assert.Zero(t, stats.Uploaded)

	all, err := store.AllRecords()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApply_UploadReplacesExistingRemoteFile(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	old := rem.PutFile("x.txt", []byte("old"))
	writeLocal(t, fsys, "x.txt", "hello", t1)

	stats, err := scanAndApply(context.Background(), t, fsys, rem, store, Upload, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)

	tree := rem.Tree()
	require.Len(t, tree, 1)
	assert.NotEqual(t, old.ID, tree["x.txt"].ID)
	assert.Equal(t, helloMD5, tree["x.txt"].Hash)
	assert.Equal(t, 1, rem.Calls[memremote.OpDelete])
}

func TestApply_UploadFileOverRemoteFolder(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	rem.PutFile("x/inner.txt", []byte("i"))
	writeLocal(t, fsys, "x", "hello", t1)

	stats, err := scanAndApply(context.Background(), t, fsys, rem, store, Upload, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, stats.Failures)

	tree := rem.Tree()
	require.Equal(t, []string{"x"}, sortedKeys(tree))
	assert.False(t, tree["x"].Folder)
}

func TestApply_RemoteFolderOverFile(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	rem.PutFile("x", []byte("file"))
	writeLocal(t, fsys, "x/a.txt", "a", t1)

	stats, err := scanAndApply(context.Background(), t, fsys, rem, store, Upload, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FoldersCreated)
	assert.Equal(t, 1, stats.Uploaded)

	tree := rem.Tree()
	require.Equal(t, []string{"x", "x/a.txt"}, sortedKeys(tree))
	assert.True(t, tree["x"].Folder)
}

func TestApply_DownloadFileOverLocalFolder(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	writeLocal(t, fsys, "x/inner.txt", "i", t1)
	rem.PutFile("x", []byte("hello"))

	stats, err := scanAndApply(context.Background(), t, fsys, rem, store, Download, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, stats.Failures)
	assert.Equal(t, 1, stats.DeletedLocal)
	assert.Equal(t, 1, stats.Downloaded)

	assert.FileExists(t, filepath.Join(fsys.Dir(), "x"))
	assert.Equal(t, "hello", readLocal(t, fsys, "x"))
}

func TestApply_RetriedFolderCreateReusesExisting(t *testing.T) {
	fsys, store := testLocal(t), testStore(t)
	writeLocal(t, fsys, "dir/f.txt", "f", t1)

	ctrl := gomock.NewController(t)
	rem := remote.NewMockStorage(ctrl)

	gomock.InOrder(
		rem.EXPECT().CreateFolder(gomock.Any(), "root", "dir").
			Return(remote.Entry{}, remote.Transient(errors.New("timeout"))),
		rem.EXPECT().List(gomock.Any(), "root", "").Return(&remote.Page{
			Entries: []remote.Entry{{ID: "d1", Name: "dir", Folder: true}},
		}, nil),
		rem.EXPECT().Upload(gomock.Any(), "d1", "f.txt", gomock.Any(), int64(1)).
			Return(remote.Entry{ID: "f1", Name: "f.txt", Size: 1, Hash: "h"}, nil),
	)

	exec := NewExecutor(ExecutorConfig{Local: fsys, Remote: rem, RootID: "root", Records: store, Retry: fastRetry, Logger: quietLogger})

	stats, err := exec.Apply(context.Background(), []Action{
		{Kind: ActionCreateFolder, Path: "dir", Target: SideRemote, Item: Item{Path: "dir", Folder: true}},
		{Kind: ActionTransfer, Path: "dir/f.txt", Target: SideRemote},
	}, Snapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FoldersCreated)
	assert.Equal(t, 1, stats.Uploaded)
}

func TestApply_ParallelTransfers(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	for i := range 10 {
		writeLocal(t, fsys, fmt.Sprintf("f%d.txt", i), "x", t1)
	}

	progress := newRecordingProgress()

	stats, err := scanAndApply(context.Background(), t, fsys, rem, store, Upload, 4, progress)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Uploaded)
	assert.Len(t, rem.Tree(), 10)
	assert.Len(t, progress.percents, 10)
	assert.Equal(t, 100, progress.percents[9])

	all, err := store.AllRecords()
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestApply_CancelBetweenActions(t *testing.T) {
	fsys, rem, store := testLocal(t), memremote.New(), testStore(t)
	writeLocal(t, fsys, "a.txt", "a", t1)
	writeLocal(t, fsys, "b.txt", "b", t1)
	writeLocal(t, fsys, "c.txt", "c", t1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress := newRecordingProgress()
	progress.onUpdate = func(string) { cancel() }

	stats, err := scanAndApply(ctx, t, fsys, rem, store, Upload, 1, progress)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, []string{"a.txt"}, sortedKeys(rem.Tree()))

	all, err := store.AllRecords()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, sortedKeys(all))
}

func TestStats_Changed(t *testing.T) {
	s := Stats{FoldersCreated: 1, Uploaded: 2, Downloaded: 3, DeletedLocal: 4, DeletedRemote: 5}
	assert.Equal(t, 15, s.Changed())
}
