package tracker

import "golang.org/x/xerrors"

var (
	// ErrNotFound is returned when a job does not exist or, for downloads,
	// when it has no result.
	ErrNotFound = xerrors.New("not found")

	// ErrNotReady is returned when downloading the result of a job that has
	// not finished processing.
	ErrNotReady = xerrors.New("job not ready")
)
