package processor

import (
	"context"
	"io/ioutil"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/blobstore"
	"github.com/moratsam/imgqueue/jobstore"
	"github.com/moratsam/imgqueue/queue"
	"github.com/moratsam/imgqueue/retry"
	"github.com/moratsam/imgqueue/transform"
)

//go:generate mockgen -package mocks -destination mocks/mocks.go github.com/moratsam/imgqueue/processor Engine

// Engine applies an image operation to the source bytes. Every error it
// returns is treated as a deterministic failure of the job.
type Engine interface {
	Apply(src []byte, op jobstore.Operation) ([]byte, error)
}

// Config encapsulates the settings for configuring a job processor.
type Config struct {
	// The store for job records.
	JobStore jobstore.Store

	// The store holding source images and receiving results.
	BlobStore blobstore.Store

	// The queue to pull job descriptors from.
	Queue queue.Queue

	// The engine that performs the image operations.
	Engine Engine

	// A clock instance for generating time-related events. If not specified,
	// the default wall-clock will be used instead.
	Clock clock.Clock

	// The delay before the first retry of a failed store operation;
	// subsequent retries back off exponentially. Defaults to 500ms.
	RetryInterval time.Duration

	// The number of times a failed store operation is retried before the
	// descriptor is handed back to the queue. Defaults to 5.
	MaxRetries int

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
	if cfg.Engine == nil {
		err = multierror.Append(err, xerrors.Errorf("transform engine has not been provided"))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	} else if cfg.RetryInterval < 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for retry interval"))
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	} else if cfg.MaxRetries < 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for max retries"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// Processor pulls job descriptors off the queue and drives each job from
// PENDING to a terminal state.
type Processor struct {
	cfg Config
}

// NewProcessor returns a new Processor instance with the specified config.
func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("processor: config validation failed: %w", err)
	}
	return &Processor{cfg: cfg}, nil
}

// Run dequeues and processes descriptors one at a time until ctx is
// cancelled. A descriptor that has already been dequeued is processed to
// completion even if ctx is cancelled meanwhile. If the queue is closed while
// ctx is still active, for instance because the broker connection dropped,
// Run returns an error wrapping queue.ErrClosed.
func (p *Processor) Run(ctx context.Context) error {
	for {
		d, err := p.cfg.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			} else if xerrors.Is(err, queue.ErrClosed) {
				p.cfg.Logger.Error("queue closed unexpectedly")
				return xerrors.Errorf("job processor: %w", err)
			}

			p.cfg.Logger.WithField("err", err).Warn("dequeue failed")
			select {
			case <-ctx.Done():
				return nil
			case <-p.cfg.Clock.After(p.cfg.RetryInterval):
			}
			continue
		}

		if err = p.Process(ctx, d); err != nil {
			p.cfg.Logger.WithFields(logrus.Fields{
				"job_id": d.Descriptor().JobID,
				"err":    err,
			}).Warn("descriptor handed back to the queue")
		}
	}
}

// Process handles a single delivery. A nil return means that the delivery
// was acked: the job reached a terminal state or had already been claimed
// by someone else. A non-nil error means that the delivery was nacked for
// redelivery because of an infrastructure failure.
func (p *Processor) Process(ctx context.Context, d queue.Delivery) error {
	// Once claimed, a job must not be abandoned because of shutdown.
	ctx = context.WithoutCancel(ctx)
	desc := d.Descriptor()
	logger := p.cfg.Logger.WithField("job_id", desc.JobID)

	job, err := p.claim(ctx, desc.JobID, logger)
	if xerrors.Is(err, jobstore.ErrStateConflict) {
		// The job is RUNNING elsewhere or already terminal.
		duplicateDeliveriesTotal.Inc()
		logger.WithField("redelivered", d.Redelivered()).Info("dropping duplicate delivery")
		return p.ack(d, logger)
	} else if err != nil {
		return p.nack(d, xerrors.Errorf("claim job: %w", err), logger)
	}
	startedAt := p.cfg.Clock.Now()
	logger.WithField("operation", job.Operation.Name).Info("processing job")

	upd, err := p.execute(ctx, job, logger)
	if err != nil {
		return p.nack(d, err, logger)
	}

	err = p.retry(ctx, logger, "complete job", func() error {
		_, err := p.cfg.JobStore.Transition(ctx, job.ID, jobstore.StateRunning, upd)
		if xerrors.Is(err, jobstore.ErrStateConflict) || xerrors.Is(err, jobstore.ErrInvalidTransition) {
			return backoff.Permanent(err)
		}
		return err
	})
	if xerrors.Is(err, jobstore.ErrStateConflict) {
		// Only a lost claim can lead here; the record belongs to someone else.
		logger.WithField("err", err).Warn("job changed state while being processed")
		return p.ack(d, logger)
	} else if err != nil {
		return p.nack(d, xerrors.Errorf("complete job: %w", err), logger)
	}

	outcome := "succeeded"
	if upd.State == jobstore.StateFailed {
		outcome = "failed"
	}
	jobsProcessedTotal.WithLabelValues(outcome).Inc()
	jobDuration.Observe(p.cfg.Clock.Now().Sub(startedAt).Seconds())
	logger.WithFields(logrus.Fields{
		"state":        upd.State,
		"error_detail": upd.ErrorDetail,
	}).Info("job completed")
	return p.ack(d, logger)
}

// claim moves the job from PENDING to RUNNING. A missing record is retried
// since the record store may not yet reflect the submission.
func (p *Processor) claim(ctx context.Context, id string, logger *logrus.Entry) (*jobstore.Job, error) {
	var job *jobstore.Job
	err := p.retry(ctx, logger, "claim job", func() error {
		var err error
		job, err = p.cfg.JobStore.Transition(ctx, id, jobstore.StatePending, jobstore.Update{
			State: jobstore.StateRunning,
			At:    p.cfg.Clock.Now().UTC(),
		})
		if xerrors.Is(err, jobstore.ErrStateConflict) || xerrors.Is(err, jobstore.ErrInvalidTransition) {
			return backoff.Permanent(err)
		}
		return err
	})
	return job, err
}

// execute fetches the source image, runs the operation and stores the
// result. It returns the terminal update for the job, or an error if the
// outcome could not be determined because of an infrastructure failure.
func (p *Processor) execute(ctx context.Context, job *jobstore.Job, logger *logrus.Entry) (jobstore.Update, error) {
	var src []byte
	err := p.retry(ctx, logger, "fetch source image", func() error {
		var err error
		src, err = blobstore.ReadAll(ctx, p.cfg.BlobStore, job.SourceRef)
		if xerrors.Is(err, blobstore.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if xerrors.Is(err, blobstore.ErrNotFound) {
		return p.failure("source image not found"), nil
	} else if err != nil {
		return jobstore.Update{}, xerrors.Errorf("fetch source image: %w", err)
	}

	out, err := p.cfg.Engine.Apply(src, job.Operation)
	if err != nil {
		return p.failure(err.Error()), nil
	}

	var resultRef string
	err = p.retry(ctx, logger, "store result", func() error {
		var err error
		resultRef, err = p.cfg.BlobStore.Put(ctx, out, transform.OutputContentType)
		return err
	})
	if err != nil {
		return jobstore.Update{}, xerrors.Errorf("store result: %w", err)
	}

	return jobstore.Update{
		State:     jobstore.StateSucceeded,
		ResultRef: resultRef,
		At:        p.cfg.Clock.Now().UTC(),
	}, nil
}

func (p *Processor) failure(detail string) jobstore.Update {
	if detail == "" {
		detail = "transform failed"
	}
	return jobstore.Update{
		State:       jobstore.StateFailed,
		ErrorDetail: detail,
		At:          p.cfg.Clock.Now().UTC(),
	}
}

func (p *Processor) retry(ctx context.Context, logger *logrus.Entry, what string, fn func() error) error {
	return retry.Notify(ctx, p.cfg.Clock, p.cfg.RetryInterval, p.cfg.MaxRetries, fn,
		func(err error, next time.Duration) {
			logger.WithFields(logrus.Fields{
				"err":   err,
				"retry": next.String(),
			}).Warnf("%s failed", what)
		},
	)
}

func (p *Processor) ack(d queue.Delivery, logger *logrus.Entry) error {
	if err := d.Ack(); err != nil {
		// The descriptor will be redelivered and dropped as a duplicate.
		logger.WithField("err", err).Warn("unable to ack delivery")
	}
	return nil
}

func (p *Processor) nack(d queue.Delivery, cause error, logger *logrus.Entry) error {
	if err := d.Nack(true); err != nil {
		logger.WithField("err", err).Warn("unable to nack delivery")
	}
	return cause
}
