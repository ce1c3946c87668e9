package worker

import (
	"context"
	"io/ioutil"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/blobstore"
	"github.com/moratsam/imgqueue/jobstore"
	"github.com/moratsam/imgqueue/processor"
	"github.com/moratsam/imgqueue/queue"
	"github.com/moratsam/imgqueue/transform"
)

// Config encapsulates the settings for configuring the worker service.
type Config struct {
	// The store for job records.
	JobStore jobstore.Store

	// The store for uploaded images and results.
	BlobStore blobstore.Store

	// The queue to pull job descriptors from.
	Queue queue.Queue

	// Settings for the transform engine.
	Transform transform.Config

	// The number of processors to run in parallel. Each one handles a
	// single job at a time.
	NumWorkers int

	// The delay before retrying a failed store operation. If not
	// specified, the processor default is used.
	RetryInterval time.Duration

	// A clock instance for generating time-related events. If not specified,
	// the default wall-clock will be used instead.
	Clock clock.Clock

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

func (cfg *Config) validate() error {
	var err error
	if cfg.JobStore == nil {
		err = multierror.Append(err, xerrors.Errorf("job store has not been provided"))
	}
	if cfg.BlobStore == nil {
		err = multierror.Append(err, xerrors.Errorf("blob store has not been provided"))
	}
	if cfg.Queue == nil {
		err = multierror.Append(err, xerrors.Errorf("queue has not been provided"))
	}
	if cfg.NumWorkers <= 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for number of workers"))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// Service runs a pool of job processors.
type Service struct {
	cfg        Config
	processors []*processor.Processor
}

// NewService creates a new worker service instance with the specified config.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("worker service: config validation failed: %w", err)
	}

	engine, err := transform.NewEngine(cfg.Transform)
	if err != nil {
		return nil, xerrors.Errorf("worker service: %w", err)
	}

	svc := &Service{cfg: cfg}
	for i := 0; i < cfg.NumWorkers; i++ {
		p, err := processor.NewProcessor(processor.Config{
			JobStore:      cfg.JobStore,
			BlobStore:     cfg.BlobStore,
			Queue:         cfg.Queue,
			Engine:        engine,
			Clock:         cfg.Clock,
			RetryInterval: cfg.RetryInterval,
			Logger:        cfg.Logger.WithField("worker", i),
		})
		if err != nil {
			return nil, xerrors.Errorf("worker service: %w", err)
		}
		svc.processors = append(svc.processors, p)
	}
	return svc, nil
}

// Name implements service.Service
func (svc *Service) Name() string { return "worker" }

// Run implements service.Service
func (svc *Service) Run(ctx context.Context) error {
	svc.cfg.Logger.WithField("workers", len(svc.processors)).Info("starting job processors")

	g, gCtx := errgroup.WithContext(ctx)
	for _, p := range svc.processors {
		p := p
		g.Go(func() error { return p.Run(gCtx) })
	}
	return g.Wait()
}
