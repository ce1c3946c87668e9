package blobstore

import "golang.org/x/xerrors"

// ErrNotFound is returned when a blob lookup fails.
var ErrNotFound = xerrors.New("blob not found")
