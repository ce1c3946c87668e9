package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/blobstore"
)

// Compile-time check for ensuring InMemoryBlobStore implements Store.
var _ blobstore.Store = (*InMemoryBlobStore)(nil)

// InMemoryBlobStore keeps blobs in process memory. It is safe for
// concurrent use.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewInMemoryBlobStore returns an empty in-memory blob store.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string][]byte),
	}
}

// Put stores a copy of data under a fresh reference.
func (s *InMemoryBlobStore) Put(_ context.Context, data []byte, _ string) (string, error) {
	ref := uuid.New().String()
	blob := append([]byte(nil), data...)

	s.mu.Lock()
	s.blobs[ref] = blob
	s.mu.Unlock()
	return ref, nil
}

// Open returns a reader over the blob with the given reference.
func (s *InMemoryBlobStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	s.mu.RLock()
	blob, exists := s.blobs[ref]
	s.mu.RUnlock()
	if !exists {
		return nil, xerrors.Errorf("open %s: %w", ref, blobstore.ErrNotFound)
	}
	// Blobs are never mutated after Put so the slice can be shared.
	return io.NopCloser(bytes.NewReader(blob)), nil
}

// Size returns the size of the blob with the given reference.
func (s *InMemoryBlobStore) Size(_ context.Context, ref string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, exists := s.blobs[ref]
	if !exists {
		return 0, xerrors.Errorf("size %s: %w", ref, blobstore.ErrNotFound)
	}
	return int64(len(blob)), nil
}
