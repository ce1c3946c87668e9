package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/blobstore"
)

// Compile-time check for ensuring FSBlobStore implements Store.
var _ blobstore.Store = (*FSBlobStore)(nil)

// FSBlobStore stores each blob as a file in a directory. Several processes
// may share the same directory (e.g. a network mount).
type FSBlobStore struct {
	dir string
}

// NewFSBlobStore returns a blob store rooted at dir, creating the directory
// if it does not exist.
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("create blob dir: %w", err)
	}
	return &FSBlobStore{dir: dir}, nil
}

// Put writes data to a temporary file and then links it under a fresh
// reference. Linking fails if the target exists so a blob is never
// overwritten, and readers never observe a partially written blob.
func (s *FSBlobStore) Put(_ context.Context, data []byte, _ string) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", xerrors.Errorf("put: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", xerrors.Errorf("put: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", xerrors.Errorf("put: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", xerrors.Errorf("put: %w", err)
	}

	ref := uuid.New().String()
	if err = os.Link(tmp.Name(), s.path(ref)); err != nil {
		return "", xerrors.Errorf("put: %w", err)
	}
	return ref, nil
}

// Open returns a reader for the blob with the given reference.
func (s *FSBlobStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	if !validRef(ref) {
		return nil, xerrors.Errorf("open %s: %w", ref, blobstore.ErrNotFound)
	}
	f, err := os.Open(s.path(ref))
	if os.IsNotExist(err) {
		return nil, xerrors.Errorf("open %s: %w", ref, blobstore.ErrNotFound)
	} else if err != nil {
		return nil, xerrors.Errorf("open: %w", err)
	}
	return f, nil
}

// Size returns the size of the blob with the given reference.
func (s *FSBlobStore) Size(_ context.Context, ref string) (int64, error) {
	if !validRef(ref) {
		return 0, xerrors.Errorf("size %s: %w", ref, blobstore.ErrNotFound)
	}
	fi, err := os.Stat(s.path(ref))
	if os.IsNotExist(err) {
		return 0, xerrors.Errorf("size %s: %w", ref, blobstore.ErrNotFound)
	} else if err != nil {
		return 0, xerrors.Errorf("size: %w", err)
	}
	return fi.Size(), nil
}

// Ping checks that the blob directory is still accessible.
func (s *FSBlobStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return xerrors.Errorf("ping: %w", err)
	} else if !info.IsDir() {
		return xerrors.Errorf("ping: %s is not a directory", s.dir)
	}
	return nil
}

func (s *FSBlobStore) path(ref string) string {
	return filepath.Join(s.dir, ref)
}

// Only references generated by Put are accepted; anything else could escape
// the blob directory.
func validRef(ref string) bool {
	_, err := uuid.Parse(ref)
	return err == nil
}
