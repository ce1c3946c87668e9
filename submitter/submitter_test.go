package submitter

import (
	"bytes"
	"context"
	"image"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang/mock/gomock"
	"github.com/juju/clock/testclock"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/blobstore"
	memblob "github.com/moratsam/imgqueue/blobstore/memory"
	blobmocks "github.com/moratsam/imgqueue/blobstore/mocks"
	"github.com/moratsam/imgqueue/jobstore"
	memjob "github.com/moratsam/imgqueue/jobstore/memory"
	jobmocks "github.com/moratsam/imgqueue/jobstore/mocks"
	"github.com/moratsam/imgqueue/queue"
	memqueue "github.com/moratsam/imgqueue/queue/memory"
	queuemocks "github.com/moratsam/imgqueue/queue/mocks"
)

var _ = gc.Suite(new(ConfigTestSuite))
var _ = gc.Suite(new(SubmitterTestSuite))

func Test(t *testing.T) { gc.TestingT(t) }

type ConfigTestSuite struct{}

func (s *ConfigTestSuite) TestConfigValidation(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	origCfg := Config{
		JobStore:  jobmocks.NewMockStore(ctrl),
		BlobStore: blobmocks.NewMockStore(ctrl),
		Queue:     queuemocks.NewMockQueue(ctrl),
	}

	cfg := origCfg
	c.Assert(cfg.validate(), gc.IsNil)
	c.Assert(cfg.Clock, gc.Not(gc.IsNil), gc.Commentf("default clock was not assigned"))
	c.Assert(cfg.Logger, gc.Not(gc.IsNil), gc.Commentf("default logger was not assigned"))
	c.Assert(cfg.EnqueueRetries, gc.Equals, 3)
	c.Assert(cfg.EnqueueRetryInterval, gc.Equals, 100*time.Millisecond)

	cfg = origCfg
	cfg.JobStore = nil
	c.Assert(cfg.validate(), gc.ErrorMatches, "(?ms).*job store has not been provided.*")

	cfg = origCfg
	cfg.BlobStore = nil
	c.Assert(cfg.validate(), gc.ErrorMatches, "(?ms).*blob store has not been provided.*")

	cfg = origCfg
	cfg.Queue = nil
	c.Assert(cfg.validate(), gc.ErrorMatches, "(?ms).*queue has not been provided.*")

	cfg = origCfg
	cfg.EnqueueRetries = -1
	c.Assert(cfg.validate(), gc.ErrorMatches, "(?ms).*invalid value for enqueue retries.*")

	cfg = origCfg
	cfg.EnqueueRetryInterval = -time.Second
	c.Assert(cfg.validate(), gc.ErrorMatches, "(?ms).*invalid value for enqueue retry interval.*")
}

type SubmitterTestSuite struct {
	clk       *testclock.Clock
	jobStore  *memjob.InMemoryJobStore
	blobStore *memblob.InMemoryBlobStore
	q         *memqueue.InMemoryQueue
}

func (s *SubmitterTestSuite) SetUpTest(c *gc.C) {
	s.clk = testclock.NewClock(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	s.jobStore = memjob.NewInMemoryJobStore()
	s.blobStore = memblob.NewInMemoryBlobStore()
	s.q = memqueue.NewInMemoryQueue(s.clk, time.Minute)
}

func (s *SubmitterTestSuite) TearDownTest(c *gc.C) {
	c.Assert(s.q.Close(), gc.IsNil)
}

func (s *SubmitterTestSuite) TestSubmitCreatesPendingJob(c *gc.C) {
	sub := s.newSubmitter(c, s.q)
	img := testJPEG(c)
	op := jobstore.Operation{Name: "resize", Params: map[string]string{"width": "800", "height": "600"}}

	id, err := sub.Submit(context.TODO(), img, op)
	c.Assert(err, gc.IsNil)
	c.Assert(id, gc.Not(gc.Equals), "")

	// The record is immediately queryable and not terminal.
	job, err := s.jobStore.Get(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	c.Assert(job.State, gc.Equals, jobstore.StatePending)
	c.Assert(job.Operation, gc.DeepEquals, op)
	c.Assert(job.CreatedAt.Equal(s.clk.Now()), gc.Equals, true)
	c.Assert(job.ResultRef, gc.Equals, "")
	c.Assert(job.ErrorDetail, gc.Equals, "")

	stored, err := blobstore.ReadAll(context.TODO(), s.blobStore, job.SourceRef)
	c.Assert(err, gc.IsNil)
	c.Assert(stored, gc.DeepEquals, img)

	c.Assert(s.q.Pending(), gc.Equals, 1)
	d, err := s.q.Dequeue(context.TODO())
	c.Assert(err, gc.IsNil)
	c.Assert(d.Descriptor(), gc.DeepEquals, &queue.Descriptor{
		JobID:     id,
		SourceRef: job.SourceRef,
		Operation: op,
	})
}

func (s *SubmitterTestSuite) TestSubmitGeneratesUniqueIDs(c *gc.C) {
	sub := s.newSubmitter(c, s.q)
	img := testJPEG(c)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := sub.Submit(context.TODO(), img, jobstore.Operation{Name: "grayscale"})
		c.Assert(err, gc.IsNil)
		c.Assert(seen[id], gc.Equals, false)
		seen[id] = true
	}
	c.Assert(s.q.Pending(), gc.Equals, 5)
}

func (s *SubmitterTestSuite) TestUnknownOperationIsAccepted(c *gc.C) {
	sub := s.newSubmitter(c, s.q)

	// Whether an operation is supported is decided by the workers.
	id, err := sub.Submit(context.TODO(), testJPEG(c), jobstore.Operation{Name: "unknown_op"})
	c.Assert(err, gc.IsNil)

	job, err := s.jobStore.Get(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	c.Assert(job.State, gc.Equals, jobstore.StatePending)
}

func (s *SubmitterTestSuite) TestInvalidInput(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	// None of the collaborators may be touched for rejected submissions.
	sub, err := NewSubmitter(Config{
		JobStore:  jobmocks.NewMockStore(ctrl),
		BlobStore: blobmocks.NewMockStore(ctrl),
		Queue:     queuemocks.NewMockQueue(ctrl),
	})
	c.Assert(err, gc.IsNil)

	img := testJPEG(c)
	cases := []struct {
		descr string
		img   []byte
		op    jobstore.Operation
	}{
		{"empty image", nil, jobstore.Operation{Name: "resize"}},
		{"non-image bytes", []byte("this is definitely not an image"), jobstore.Operation{Name: "resize"}},
		{"missing operation", img, jobstore.Operation{}},
		{"malformed operation", img, jobstore.Operation{Name: "../resize"}},
		{"malformed parameter", img, jobstore.Operation{Name: "resize", Params: map[string]string{"wid th": "1"}}},
	}
	for _, tc := range cases {
		id, err := sub.Submit(context.TODO(), tc.img, tc.op)
		c.Assert(xerrors.Is(err, ErrInvalidInput), gc.Equals, true, gc.Commentf("%s: got %v", tc.descr, err))
		c.Assert(id, gc.Equals, "", gc.Commentf(tc.descr))
	}
}

func (s *SubmitterTestSuite) TestInvalidInputMessage(c *gc.C) {
	_, err := validateInput([]byte("hello world, this is plain text"), jobstore.Operation{Name: "resize"})
	c.Assert(err, gc.ErrorMatches, `unsupported content type "text/plain; charset=utf-8": invalid input`)

	_, err = validateInput(testJPEG(c), jobstore.Operation{})
	c.Assert(err, gc.ErrorMatches, "operation not specified: invalid input")
}

func (s *SubmitterTestSuite) TestBlobStoreFailure(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	blobs := blobmocks.NewMockStore(ctrl)
	blobs.EXPECT().Put(gomock.Any(), gomock.Any(), "image/jpeg").Return("", xerrors.New("disk full"))

	sub, err := NewSubmitter(Config{
		JobStore:  jobmocks.NewMockStore(ctrl),
		BlobStore: blobs,
		Queue:     queuemocks.NewMockQueue(ctrl),
	})
	c.Assert(err, gc.IsNil)

	_, err = sub.Submit(context.TODO(), testJPEG(c), jobstore.Operation{Name: "blur"})
	c.Assert(err, gc.ErrorMatches, ".*disk full.*")
	c.Assert(xerrors.Is(err, ErrInvalidInput), gc.Equals, false)
}

func (s *SubmitterTestSuite) TestEnqueueRetriesTransientFailures(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	q := queuemocks.NewMockQueue(ctrl)
	gomock.InOrder(
		q.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(xerrors.New("broker unavailable")),
		q.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil),
	)

	sub := s.newSubmitter(c, q)
	resCh := s.submitAsync(sub, jobstore.Operation{Name: "sharpen"}, testJPEG(c))
	c.Assert(s.clk.WaitAdvance(time.Second, 10*time.Second, 1), gc.IsNil)
	res := s.result(c, resCh)
	c.Assert(res.err, gc.IsNil)
	id := res.id

	job, err := s.jobStore.Get(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	c.Assert(job.State, gc.Equals, jobstore.StatePending)
}

func (s *SubmitterTestSuite) TestEnqueueFailureMarksJobFailed(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	q := queuemocks.NewMockQueue(ctrl)
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(xerrors.New("broker unavailable")).Times(3)

	jobs := jobmocks.NewMockStore(ctrl)
	var created *jobstore.Job
	jobs.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, job *jobstore.Job) error {
			created = job
			return nil
		},
	)
	jobs.EXPECT().Transition(gomock.Any(), gomock.Any(), jobstore.StatePending, gomock.Any()).DoAndReturn(
		func(_ context.Context, id string, _ jobstore.State, upd jobstore.Update) (*jobstore.Job, error) {
			c.Assert(id, gc.Equals, created.ID)
			c.Assert(upd.State, gc.Equals, jobstore.StateFailed)
			c.Assert(upd.ErrorDetail, gc.Equals, "could not enqueue job")
			return nil, nil
		},
	)

	sub, err := NewSubmitter(Config{
		JobStore:             jobs,
		BlobStore:            s.blobStore,
		Queue:                q,
		Clock:                s.clk,
		EnqueueRetries:       2,
		EnqueueRetryInterval: time.Millisecond,
	})
	c.Assert(err, gc.IsNil)

	resCh := s.submitAsync(sub, jobstore.Operation{Name: "contrast"}, testJPEG(c))
	for i := 0; i < 2; i++ {
		c.Assert(s.clk.WaitAdvance(time.Second, 10*time.Second, 1), gc.IsNil)
	}
	res := s.result(c, resCh)
	c.Assert(res.err, gc.ErrorMatches, ".*broker unavailable.*")
	c.Assert(xerrors.Is(res.err, ErrInvalidInput), gc.Equals, false)
	c.Assert(res.id, gc.Equals, "")
	c.Assert(created, gc.Not(gc.IsNil))
}

func (s *SubmitterTestSuite) TestClosedQueueIsNotRetried(c *gc.C) {
	c.Assert(s.q.Close(), gc.IsNil)
	sub := s.newSubmitter(c, s.q)

	_, err := sub.Submit(context.TODO(), testJPEG(c), jobstore.Operation{Name: "grayscale"})
	c.Assert(xerrors.Is(err, queue.ErrClosed), gc.Equals, true, gc.Commentf("got %v", err))
}

type submitResult struct {
	id  string
	err error
}

// submitAsync runs Submit in the background so that the test can drive the
// enqueue retry timers.
func (s *SubmitterTestSuite) submitAsync(sub *Submitter, op jobstore.Operation, img []byte) <-chan submitResult {
	resCh := make(chan submitResult, 1)
	go func() {
		id, err := sub.Submit(context.TODO(), img, op)
		resCh <- submitResult{id: id, err: err}
	}()
	return resCh
}

func (s *SubmitterTestSuite) result(c *gc.C, resCh <-chan submitResult) submitResult {
	select {
	case res := <-resCh:
		return res
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for the submission")
	}
	return submitResult{}
}

func (s *SubmitterTestSuite) newSubmitter(c *gc.C, q queue.Queue) *Submitter {
	sub, err := NewSubmitter(Config{
		JobStore:             s.jobStore,
		BlobStore:            s.blobStore,
		Queue:                q,
		Clock:                s.clk,
		EnqueueRetryInterval: time.Millisecond,
	})
	c.Assert(err, gc.IsNil)
	return sub
}

func testJPEG(c *gc.C) []byte {
	var buf bytes.Buffer
	img := imaging.New(32, 24, image.White.C)
	c.Assert(imaging.Encode(&buf, img, imaging.JPEG), gc.IsNil)
	return buf.Bytes()
}
