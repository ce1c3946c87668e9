// Package backend maps the URIs accepted on the command line of the imgqueue
// binaries to job store, blob store and queue implementations.
package backend

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/moratsam/imgqueue/blobstore"
	fsblob "github.com/moratsam/imgqueue/blobstore/fs"
	memblob "github.com/moratsam/imgqueue/blobstore/memory"
	minioblob "github.com/moratsam/imgqueue/blobstore/minio"
	"github.com/moratsam/imgqueue/jobstore"
	cdbjob "github.com/moratsam/imgqueue/jobstore/cdb"
	memjob "github.com/moratsam/imgqueue/jobstore/memory"
	redisjob "github.com/moratsam/imgqueue/jobstore/redis"
	"github.com/moratsam/imgqueue/jobstoreapi"
	"github.com/moratsam/imgqueue/queue"
	amqpqueue "github.com/moratsam/imgqueue/queue/amqp"
	memqueue "github.com/moratsam/imgqueue/queue/memory"
)

// DefaultQueueName is used for AMQP URIs without a queue parameter.
const DefaultQueueName = "imgqueue.jobs"

// JobStore returns the job store described by uri. Supported schemes are
// in-memory, postgresql, redis, rediss and grpc.
func JobStore(ctx context.Context, jobStoreURI string, logger *logrus.Entry) (jobstore.Store, error) {
	if jobStoreURI == "" {
		return nil, xerrors.Errorf("job store URI must be specified")
	}

	uri, err := url.Parse(jobStoreURI)
	if err != nil {
		return nil, xerrors.Errorf("could not parse job store URI: %w", err)
	}

	switch uri.Scheme {
	case "in-memory":
		logger.Info("using in-memory job store")
		return memjob.NewInMemoryJobStore(), nil
	case "postgresql":
		logger.Info("using CDB job store")
		return cdbjob.NewCDBJobStore(jobStoreURI)
	case "redis", "rediss":
		logger.Info("using redis job store")
		return redisjob.NewRedisJobStore(jobStoreURI)
	case "grpc":
		logger.WithField("addr", uri.Host).Info("using remote job store")
		return dialJobStore(ctx, uri.Host)
	default:
		return nil, xerrors.Errorf("unsupported job store URI scheme: %q", uri.Scheme)
	}
}

type remoteJobStore struct {
	*jobstoreapi.JobStoreClient
	conn *grpc.ClientConn
}

func (s *remoteJobStore) Close() error { return s.conn.Close() }

func dialJobStore(ctx context.Context, addr string) (*remoteJobStore, error) {
	if addr == "" {
		return nil, xerrors.Errorf("job store API address not specified")
	}

	dialCtx, cancelFn := context.WithTimeout(ctx, 5*time.Second)
	defer cancelFn()
	conn, err := grpc.DialContext(dialCtx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, xerrors.Errorf("could not connect to job store API: %w", err)
	}
	return &remoteJobStore{JobStoreClient: jobstoreapi.NewJobStoreClient(conn), conn: conn}, nil
}

// BlobStore returns the blob store described by uri. Supported schemes are
// in-memory, file (file:///path/to/dir) and s3
// (s3://key:secret@host:port/bucket?secure=false).
func BlobStore(ctx context.Context, blobStoreURI string, logger *logrus.Entry) (blobstore.Store, error) {
	if blobStoreURI == "" {
		return nil, xerrors.Errorf("blob store URI must be specified")
	}

	uri, err := url.Parse(blobStoreURI)
	if err != nil {
		return nil, xerrors.Errorf("could not parse blob store URI: %w", err)
	}

	switch uri.Scheme {
	case "in-memory":
		logger.Info("using in-memory blob store")
		return memblob.NewInMemoryBlobStore(), nil
	case "file":
		if uri.Path == "" {
			return nil, xerrors.Errorf("file blob store URI must include a directory")
		}
		logger.WithField("dir", uri.Path).Info("using filesystem blob store")
		return fsblob.NewFSBlobStore(uri.Path)
	case "s3":
		cfg, err := minioConfig(uri)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{"endpoint": cfg.Endpoint, "bucket": cfg.Bucket}).Info("using object store")
		return minioblob.NewMinioBlobStore(ctx, cfg)
	default:
		return nil, xerrors.Errorf("unsupported blob store URI scheme: %q", uri.Scheme)
	}
}

func minioConfig(uri *url.URL) (minioblob.Config, error) {
	cfg := minioblob.Config{
		Endpoint: uri.Host,
		Bucket:   strings.Trim(uri.Path, "/"),
		Secure:   true,
	}
	if uri.User != nil {
		cfg.AccessKey = uri.User.Username()
		cfg.SecretKey, _ = uri.User.Password()
	}
	if v := uri.Query().Get("secure"); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, xerrors.Errorf("invalid value for secure parameter: %q", v)
		}
		cfg.Secure = secure
	}
	return cfg, nil
}

// Queue returns the queue described by uri. Supported schemes are in-memory
// and amqp/amqps; the AMQP queue name is taken from the queue parameter. The
// visibility timeout only applies to the in-memory queue.
func Queue(queueURI string, clk clock.Clock, visibility time.Duration, logger *logrus.Entry) (queue.Queue, error) {
	if queueURI == "" {
		return nil, xerrors.Errorf("queue URI must be specified")
	}

	uri, err := url.Parse(queueURI)
	if err != nil {
		return nil, xerrors.Errorf("could not parse queue URI: %w", err)
	}

	switch uri.Scheme {
	case "in-memory":
		logger.Info("using in-memory queue")
		return memqueue.NewInMemoryQueue(clk, visibility), nil
	case "amqp", "amqps":
		cfg := amqpConfig(uri)
		logger.WithField("queue", cfg.QueueName).Info("using AMQP queue")
		return amqpqueue.NewAMQPQueue(cfg)
	default:
		return nil, xerrors.Errorf("unsupported queue URI scheme: %q", uri.Scheme)
	}
}

func amqpConfig(uri *url.URL) amqpqueue.Config {
	brokerURI := *uri
	query := brokerURI.Query()
	cfg := amqpqueue.Config{QueueName: query.Get("queue")}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	query.Del("queue")
	brokerURI.RawQuery = query.Encode()
	cfg.URL = brokerURI.String()
	return cfg
}

// Close releases v if it holds any resources.
func Close(v interface{}) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
