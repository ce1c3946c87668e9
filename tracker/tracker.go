package tracker

import (
	"context"
	"io"
	"io/ioutil"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/blobstore"
	"github.com/moratsam/imgqueue/jobstore"
)

// Status values reported to clients.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Config encapsulates the settings for configuring the tracker.
type Config struct {
	// The store for job records.
	JobStore jobstore.Store

	// The store holding source images and results.
	BlobStore blobstore.Store

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
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// Result summarizes the output of a completed job.
type Result struct {
	OriginalSize int64
	ResultSize   int64

	// Percentage by which the result is smaller than the original, rounded
	// to one decimal. Negative when the result is larger.
	SizeReduction float64
}

// JobView is the client-facing view of a job.
type JobView struct {
	JobID       string
	Status      string
	Operation   jobstore.Operation
	CreatedAt   time.Time
	CompletedAt time.Time

	// Only set for completed jobs.
	Result *Result

	// Only set for failed jobs.
	Error string
}

// Tracker answers status and download queries. It never mutates job
// records.
type Tracker struct {
	cfg Config
}

// NewTracker returns a new Tracker instance with the specified config.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("tracker: config validation failed: %w", err)
	}
	return &Tracker{cfg: cfg}, nil
}

// Status returns the current view of the job with the given id.
func (t *Tracker) Status(ctx context.Context, id string) (*JobView, error) {
	job, err := t.getJob(ctx, id)
	if err != nil {
		return nil, err
	}

	view := newView(job)
	if job.State == jobstore.StateSucceeded {
		if view.Result, err = t.result(ctx, job); err != nil {
			return nil, xerrors.Errorf("status: %w", err)
		}
	}
	return view, nil
}

// List returns the views of up to limit jobs, most recently created first.
// A completed job whose blobs cannot be sized is listed without a result.
func (t *Tracker) List(ctx context.Context, limit int) ([]*JobView, error) {
	jobs, err := t.cfg.JobStore.List(ctx, limit)
	if err != nil {
		return nil, xerrors.Errorf("list jobs: %w", err)
	}

	views := make([]*JobView, 0, len(jobs))
	for _, job := range jobs {
		view := newView(job)
		if job.State == jobstore.StateSucceeded {
			if view.Result, err = t.result(ctx, job); err != nil {
				t.cfg.Logger.WithFields(logrus.Fields{"job_id": job.ID, "err": err}).Warn("unable to size job result")
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func newView(job *jobstore.Job) *JobView {
	view := &JobView{
		JobID:       job.ID,
		Operation:   job.Operation.Clone(),
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	switch job.State {
	case jobstore.StateSucceeded:
		view.Status = StatusCompleted
	case jobstore.StateFailed:
		view.Status = StatusFailed
		view.Error = job.ErrorDetail
	default:
		view.Status = StatusProcessing
	}
	return view
}

// Download returns a reader for the result of a completed job. Callers
// must close the returned reader.
func (t *Tracker) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	job, err := t.getJob(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case jobstore.StateSucceeded:
	case jobstore.StateFailed:
		return nil, xerrors.Errorf("download: job %s failed: %w", id, ErrNotFound)
	default:
		return nil, xerrors.Errorf("download %s: %w", id, ErrNotReady)
	}

	r, err := t.cfg.BlobStore.Open(ctx, job.ResultRef)
	if xerrors.Is(err, blobstore.ErrNotFound) {
		t.cfg.Logger.WithField("job_id", id).Error("result of completed job is missing")
		return nil, xerrors.Errorf("download: result of job %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, xerrors.Errorf("download: %w", err)
	}
	return r, nil
}

func (t *Tracker) getJob(ctx context.Context, id string) (*jobstore.Job, error) {
	job, err := t.cfg.JobStore.Get(ctx, id)
	if xerrors.Is(err, jobstore.ErrNotFound) {
		return nil, xerrors.Errorf("job %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, xerrors.Errorf("get job: %w", err)
	}
	return job, nil
}

func (t *Tracker) result(ctx context.Context, job *jobstore.Job) (*Result, error) {
	originalSize, err := t.cfg.BlobStore.Size(ctx, job.SourceRef)
	if err != nil {
		return nil, xerrors.Errorf("source size: %w", err)
	}
	resultSize, err := t.cfg.BlobStore.Size(ctx, job.ResultRef)
	if err != nil {
		return nil, xerrors.Errorf("result size: %w", err)
	}
	return &Result{
		OriginalSize:  originalSize,
		ResultSize:    resultSize,
		SizeReduction: sizeReduction(originalSize, resultSize),
	}, nil
}

func sizeReduction(original, result int64) float64 {
	if original == 0 {
		return 0
	}
	pct := (1 - float64(result)/float64(original)) * 100
	return math.Round(pct*10) / 10
}
