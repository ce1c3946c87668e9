package blobstore

import (
	"context"
	"io"
)

//go:generate mockgen -package mocks -destination mocks/mocks.go github.com/moratsam/imgqueue/blobstore Store

// Store is implemented by objects that hold opaque, write-once binary blobs
// addressed by references that the store itself generates.
type Store interface {
	// Put stores data and returns a reference that can later be passed to
	// Open and Size. A reference is never reused for different content.
	Put(ctx context.Context, data []byte, contentType string) (string, error)

	// Open returns a reader for the blob with the given reference. Callers
	// must close the returned reader.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Size returns the size of the blob in bytes.
	Size(ctx context.Context, ref string) (int64, error)
}

// ReadAll is a convenience helper that fetches the full contents of a blob.
func ReadAll(ctx context.Context, s Store, ref string) ([]byte, error) {
	r, err := s.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
