package submitter

import (
	"context"
	"io/ioutil"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
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

// Operation and parameter names must look like identifiers.
var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Config encapsulates the settings for configuring the submitter.
type Config struct {
	// The store for job records.
	JobStore jobstore.Store

	// The store for uploaded images.
	BlobStore blobstore.Store

	// The queue that job descriptors are published to.
	Queue queue.Queue

	// A clock instance for generating job timestamps. If not specified,
	// the default wall-clock will be used instead.
	Clock clock.Clock

	// The number of times a failed enqueue is retried before the job is
	// marked as failed. Defaults to 3.
	EnqueueRetries int

	// The delay before the first enqueue retry; subsequent retries back off
	// exponentially. Defaults to 100ms.
	EnqueueRetryInterval time.Duration

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
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.EnqueueRetries == 0 {
		cfg.EnqueueRetries = 3
	} else if cfg.EnqueueRetries < 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for enqueue retries"))
	}
	if cfg.EnqueueRetryInterval == 0 {
		cfg.EnqueueRetryInterval = 100 * time.Millisecond
	} else if cfg.EnqueueRetryInterval < 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for enqueue retry interval"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// Submitter accepts images, records a job for each of them and hands the
// job over to the workers through the queue.
type Submitter struct {
	cfg Config
}

// NewSubmitter returns a new Submitter instance with the specified config.
func NewSubmitter(cfg Config) (*Submitter, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("submitter: config validation failed: %w", err)
	}
	return &Submitter{cfg: cfg}, nil
}

// Submit validates the image and operation, stores the image, creates a
// PENDING job record and publishes its descriptor. It returns the id of the
// new job without waiting for it to be processed.
//
// Errors wrapping ErrInvalidInput mean that nothing was stored. Any other
// error is an infrastructure failure; if it happened after the record was
// created the record is moved to FAILED.
func (s *Submitter) Submit(ctx context.Context, image []byte, op jobstore.Operation) (string, error) {
	contentType, err := validateInput(image, op)
	if err != nil {
		submissionsTotal.WithLabelValues("rejected").Inc()
		return "", err
	}

	sourceRef, err := s.cfg.BlobStore.Put(ctx, image, contentType)
	if err != nil {
		submissionsTotal.WithLabelValues("failed").Inc()
		return "", xerrors.Errorf("submit: store source image: %w", err)
	}

	job := &jobstore.Job{
		ID:        uuid.New().String(),
		State:     jobstore.StatePending,
		Operation: op.Clone(),
		SourceRef: sourceRef,
		CreatedAt: s.cfg.Clock.Now().UTC(),
	}
	if err = s.cfg.JobStore.Create(ctx, job); err != nil {
		submissionsTotal.WithLabelValues("failed").Inc()
		return "", xerrors.Errorf("submit: create job record: %w", err)
	}

	logger := s.cfg.Logger.WithField("job_id", job.ID)
	desc := &queue.Descriptor{
		JobID:     job.ID,
		SourceRef: job.SourceRef,
		Operation: job.Operation,
	}
	if err = s.enqueue(ctx, desc, logger); err != nil {
		submissionsTotal.WithLabelValues("failed").Inc()
		s.failJob(ctx, job.ID, logger)
		return "", xerrors.Errorf("submit: enqueue job %s: %w", job.ID, err)
	}

	submissionsTotal.WithLabelValues("accepted").Inc()
	logger.WithFields(logrus.Fields{
		"operation":  op.Name,
		"size_bytes": len(image),
	}).Info("job submitted")
	return job.ID, nil
}

func (s *Submitter) enqueue(ctx context.Context, desc *queue.Descriptor, logger *logrus.Entry) error {
	return retry.Notify(ctx, s.cfg.Clock, s.cfg.EnqueueRetryInterval, s.cfg.EnqueueRetries,
		func() error {
			err := s.cfg.Queue.Enqueue(ctx, desc)
			if xerrors.Is(err, queue.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		},
		func(err error, next time.Duration) {
			logger.WithFields(logrus.Fields{
				"err":   err,
				"retry": next.String(),
			}).Warn("enqueue failed")
		},
	)
}

// failJob moves a job whose descriptor could not be published to FAILED so
// that it is not left PENDING forever. The caller's context may already be
// done at this point.
func (s *Submitter) failJob(ctx context.Context, id string, logger *logrus.Entry) {
	_, err := s.cfg.JobStore.Transition(context.WithoutCancel(ctx), id, jobstore.StatePending, jobstore.Update{
		State:       jobstore.StateFailed,
		ErrorDetail: "could not enqueue job",
		At:          s.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		logger.WithField("err", err).Error("unable to mark job as failed")
	}
}

func validateInput(image []byte, op jobstore.Operation) (string, error) {
	if len(image) == 0 {
		return "", xerrors.Errorf("empty image: %w", ErrInvalidInput)
	}
	contentType, ok := transform.Sniff(image)
	if !ok {
		return "", xerrors.Errorf("unsupported content type %q: %w", contentType, ErrInvalidInput)
	}
	if op.Name == "" {
		return "", xerrors.Errorf("operation not specified: %w", ErrInvalidInput)
	}
	if !identifierRegex.MatchString(op.Name) {
		return "", xerrors.Errorf("malformed operation name %q: %w", op.Name, ErrInvalidInput)
	}
	for name := range op.Params {
		if !identifierRegex.MatchString(name) {
			return "", xerrors.Errorf("malformed parameter name %q: %w", name, ErrInvalidInput)
		}
	}
	return contentType, nil
}
