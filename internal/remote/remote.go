// Package remote defines the storage capability the mirror engine consumes
// and the error conventions shared by every backend.
package remote

//go:generate mockgen -destination=mock_storage.go -package=remote . Storage

import (
	"context"
	"errors"
	"io"
)

// Entry describes one child of a remote folder.
type Entry struct {
	ID     string
	Name   string
	Folder bool
	Size   int64
	// Hash is the backend's content fingerprint (md5 on Drive, ETag on S3).
	// Empty for folders.
	Hash string
	// MTime is the modification time in unix milliseconds, or 0 when the
	// backend does not report one.
	MTime   int64
	Trashed bool
}

// Page is one response of a paginated listing. An empty NextPageToken
// means the listing is exhausted.
type Page struct {
	Entries       []Entry
	NextPageToken string
}

// Storage is a remote tree addressed by opaque ids. Implementations must
// exclude trashed items from List where the backend supports trash.
type Storage interface {
	List(ctx context.Context, folderID, pageToken string) (*Page, error)
	CreateFolder(ctx context.Context, parentID, name string) (Entry, error)
	Upload(ctx context.Context, parentID, name string, r io.Reader, size int64) (Entry, error)
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
}

// TransientError wraps an error that is likely temporary and safe to retry:
// throttling, server-side 5xx, dropped connections.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
