package errors

import "errors"

// Run-level errors. Any of these aborts a mirror run.
var (
	ErrSyncInProgress   = errors.New("a mirror run is already in progress")
	ErrUnauthorized     = errors.New("remote storage rejected credentials")
	ErrLocalRootInvalid = errors.New("local root directory is missing or not a directory")
	ErrEnumeration      = errors.New("tree enumeration failed")
)

// Storage errors.
var (
	ErrNotFound = errors.New("item not found")
)
