package frontend

import (
	"context"
	"io/ioutil"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/blobstore"
	"github.com/moratsam/imgqueue/frontend"
	"github.com/moratsam/imgqueue/jobstore"
	"github.com/moratsam/imgqueue/queue"
	"github.com/moratsam/imgqueue/submitter"
	"github.com/moratsam/imgqueue/tracker"
)

// Config encapsulates the settings for configuring the front-end service.
type Config struct {
	// The store for job records.
	JobStore jobstore.Store

	// The store for uploaded images and results.
	BlobStore blobstore.Store

	// The queue that job descriptors are published to.
	Queue queue.Queue

	// The address to listen for incoming requests.
	ListenAddr string

	// The maximum accepted upload size in bytes. If not specified, the
	// front-end default is used.
	MaxUploadBytes int64

	// The number of times a failed enqueue is retried. If not specified,
	// the submitter default is used.
	EnqueueRetries int

	// A clock instance for generating job timestamps. If not specified,
	// the default wall-clock will be used instead.
	Clock clock.Clock

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

func (cfg *Config) validate() error {
	var err error
	if cfg.ListenAddr == "" {
		err = multierror.Append(err, xerrors.Errorf("listen address has not been specified"))
	}
	if cfg.JobStore == nil {
		err = multierror.Append(err, xerrors.Errorf("job store has not been provided"))
	}
	if cfg.BlobStore == nil {
		err = multierror.Append(err, xerrors.Errorf("blob store has not been provided"))
	}
	if cfg.Queue == nil {
		err = multierror.Append(err, xerrors.Errorf("queue has not been provided"))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// Service exposes the job API of the imgqueue project over HTTP.
type Service struct {
	cfg      Config
	frontend *frontend.Frontend
}

// NewService creates a new front-end service instance with the specified config.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("front-end service: config validation failed: %w", err)
	}

	sub, err := submitter.NewSubmitter(submitter.Config{
		JobStore:       cfg.JobStore,
		BlobStore:      cfg.BlobStore,
		Queue:          cfg.Queue,
		Clock:          cfg.Clock,
		EnqueueRetries: cfg.EnqueueRetries,
		Logger:         cfg.Logger.WithField("component", "submitter"),
	})
	if err != nil {
		return nil, xerrors.Errorf("front-end service: %w", err)
	}

	tr, err := tracker.NewTracker(tracker.Config{
		JobStore:  cfg.JobStore,
		BlobStore: cfg.BlobStore,
		Logger:    cfg.Logger.WithField("component", "tracker"),
	})
	if err != nil {
		return nil, xerrors.Errorf("front-end service: %w", err)
	}

	fe, err := frontend.NewFrontend(frontend.Config{
		Submitter:      sub,
		Tracker:        tr,
		ListenAddr:     cfg.ListenAddr,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Dependencies:   healthChecks(cfg),
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, xerrors.Errorf("front-end service: new frontend creation failed: %w", err)
	}

	return &Service{cfg: cfg, frontend: fe}, nil
}

// healthChecks returns the backends that can report their reachability.
// In-memory backends live in-process and are left out.
func healthChecks(cfg Config) map[string]frontend.Pinger {
	deps := make(map[string]frontend.Pinger)
	for name, backend := range map[string]interface{}{
		"job_store":  cfg.JobStore,
		"blob_store": cfg.BlobStore,
		"queue":      cfg.Queue,
	} {
		if p, ok := backend.(frontend.Pinger); ok {
			deps[name] = p
		}
	}
	return deps
}

// Name implements service.Service
func (svc *Service) Name() string { return "front-end" }

// Run implements service.Service
func (svc *Service) Run(ctx context.Context) error {
	svc.cfg.Logger.WithField("addr", svc.cfg.ListenAddr).Info("starting front-end server")
	return svc.frontend.Serve(ctx)
}
