package minio

import (
	"bytes"
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/blobstore"
)

// Compile-time check for ensuring MinioBlobStore implements Store.
var _ blobstore.Store = (*MinioBlobStore)(nil)

// Config encapsulates the settings for connecting to an S3-compatible object
// store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string

	// Secure enables TLS.
	Secure bool
}

func (cfg *Config) validate() error {
	var err error
	if cfg.Endpoint == "" {
		err = multierror.Append(err, xerrors.Errorf("object store endpoint not specified"))
	}
	if cfg.Bucket == "" {
		err = multierror.Append(err, xerrors.Errorf("bucket not specified"))
	}
	return err
}

// MinioBlobStore stores blobs as objects in an S3-compatible bucket.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
}

// NewMinioBlobStore connects to the object store described by cfg and makes
// sure that the configured bucket exists.
func NewMinioBlobStore(ctx context.Context, cfg Config) (*MinioBlobStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("blob store config validation failed: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, xerrors.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, xerrors.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, xerrors.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioBlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads data as a new object.
func (s *MinioBlobStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	ref := uuid.New().String()
	_, err := s.client.PutObject(ctx, s.bucket, ref, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", xerrors.Errorf("put: %w", err)
	}
	return ref, nil
}

// Open returns a reader streaming the object with the given reference.
func (s *MinioBlobStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, xerrors.Errorf("open: %w", mapError(err, ref))
	}
	// GetObject is lazy; stat the object so that missing keys are reported
	// here rather than on the first read.
	if _, err = obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, xerrors.Errorf("open: %w", mapError(err, ref))
	}
	return obj, nil
}

// Size returns the size of the object with the given reference.
func (s *MinioBlobStore) Size(ctx context.Context, ref string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, ref, minio.StatObjectOptions{})
	if err != nil {
		return 0, xerrors.Errorf("size: %w", mapError(err, ref))
	}
	return info.Size, nil
}

// Ping checks that the bucket is reachable.
func (s *MinioBlobStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return xerrors.Errorf("ping: %w", err)
	} else if !exists {
		return xerrors.Errorf("ping: bucket %s does not exist", s.bucket)
	}
	return nil
}

func mapError(err error, ref string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return xerrors.Errorf("blob %s: %w", ref, blobstore.ErrNotFound)
	}
	return err
}
