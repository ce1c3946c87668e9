package processor_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io/ioutil"
	"time"

	"github.com/disintegration/imaging"
	"github.com/juju/clock/testclock"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/blobstore"
	memblob "github.com/moratsam/imgqueue/blobstore/memory"
	"github.com/moratsam/imgqueue/jobstore"
	memjob "github.com/moratsam/imgqueue/jobstore/memory"
	"github.com/moratsam/imgqueue/processor"
	"github.com/moratsam/imgqueue/queue"
	memqueue "github.com/moratsam/imgqueue/queue/memory"
	"github.com/moratsam/imgqueue/submitter"
	"github.com/moratsam/imgqueue/tracker"
	"github.com/moratsam/imgqueue/transform"
)

var _ = gc.Suite(new(IntegrationTestSuite))

type IntegrationTestSuite struct {
	jobStore  *memjob.InMemoryJobStore
	blobStore *memblob.InMemoryBlobStore
	q         *memqueue.InMemoryQueue

	submitter *submitter.Submitter
	processor *processor.Processor
	tracker   *tracker.Tracker
}

func (s *IntegrationTestSuite) SetUpTest(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	s.jobStore = memjob.NewInMemoryJobStore()
	s.blobStore = memblob.NewInMemoryBlobStore()
	s.q = memqueue.NewInMemoryQueue(clk, time.Hour)

	engine, err := transform.NewEngine(transform.Config{})
	c.Assert(err, gc.IsNil)

	s.submitter, err = submitter.NewSubmitter(submitter.Config{
		JobStore:  s.jobStore,
		BlobStore: s.blobStore,
		Queue:     s.q,
		Clock:     clk,
	})
	c.Assert(err, gc.IsNil)

	s.processor, err = processor.NewProcessor(processor.Config{
		JobStore:      s.jobStore,
		BlobStore:     s.blobStore,
		Queue:         s.q,
		Engine:        engine,
		Clock:         clk,
		RetryInterval: time.Millisecond,
	})
	c.Assert(err, gc.IsNil)

	s.tracker, err = tracker.NewTracker(tracker.Config{
		JobStore:  s.jobStore,
		BlobStore: s.blobStore,
	})
	c.Assert(err, gc.IsNil)
}

func (s *IntegrationTestSuite) TearDownTest(c *gc.C) {
	c.Assert(s.q.Close(), gc.IsNil)
}

func (s *IntegrationTestSuite) TestResizeLifecycle(c *gc.C) {
	src := encodeJPEG(c, 3000, 2000)
	id, err := s.submitter.Submit(context.TODO(), src, jobstore.Operation{
		Name:   "resize",
		Params: map[string]string{"width": "800", "height": "600"},
	})
	c.Assert(err, gc.IsNil)

	// The job is visible before any worker touches it.
	view, err := s.tracker.Status(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	c.Assert(view.Status, gc.Equals, tracker.StatusProcessing)
	_, err = s.tracker.Download(context.TODO(), id)
	c.Assert(xerrors.Is(err, tracker.ErrNotReady), gc.Equals, true, gc.Commentf("got %v", err))

	c.Assert(s.processor.Process(context.TODO(), s.dequeue(c)), gc.IsNil)

	view, err = s.tracker.Status(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	c.Assert(view.Status, gc.Equals, tracker.StatusCompleted)
	c.Assert(view.CompletedAt.IsZero(), gc.Equals, false)
	c.Assert(view.Result, gc.Not(gc.IsNil))
	c.Assert(view.Result.OriginalSize, gc.Equals, int64(len(src)))

	r, err := s.tracker.Download(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	downloaded, err := ioutil.ReadAll(r)
	c.Assert(err, gc.IsNil)
	c.Assert(r.Close(), gc.IsNil)
	c.Assert(int64(len(downloaded)), gc.Equals, view.Result.ResultSize)

	// The downloaded bytes are exactly the stored result.
	job, err := s.jobStore.Get(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	stored, err := blobstore.ReadAll(context.TODO(), s.blobStore, job.ResultRef)
	c.Assert(err, gc.IsNil)
	c.Assert(bytes.Equal(downloaded, stored), gc.Equals, true)

	img, err := imaging.Decode(bytes.NewReader(downloaded))
	c.Assert(err, gc.IsNil)
	c.Assert(img.Bounds().Dx(), gc.Equals, 800)
	c.Assert(img.Bounds().Dy(), gc.Equals, 600)
}

func (s *IntegrationTestSuite) TestUnknownOperationFails(c *gc.C) {
	id, err := s.submitter.Submit(context.TODO(), encodeJPEG(c, 64, 48), jobstore.Operation{Name: "unknown_op"})
	c.Assert(err, gc.IsNil)

	c.Assert(s.processor.Process(context.TODO(), s.dequeue(c)), gc.IsNil)

	view, err := s.tracker.Status(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	c.Assert(view.Status, gc.Equals, tracker.StatusFailed)
	c.Assert(view.Error, gc.Matches, ".*unknown_op.*")
	c.Assert(view.Result, gc.IsNil)

	_, err = s.tracker.Download(context.TODO(), id)
	c.Assert(xerrors.Is(err, tracker.ErrNotFound), gc.Equals, true, gc.Commentf("got %v", err))
}

func (s *IntegrationTestSuite) TestInvalidParameterFails(c *gc.C) {
	id, err := s.submitter.Submit(context.TODO(), encodeJPEG(c, 64, 48), jobstore.Operation{
		Name:   "resize",
		Params: map[string]string{"width": "wide"},
	})
	c.Assert(err, gc.IsNil)

	c.Assert(s.processor.Process(context.TODO(), s.dequeue(c)), gc.IsNil)

	view, err := s.tracker.Status(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	c.Assert(view.Status, gc.Equals, tracker.StatusFailed)
	c.Assert(view.Error, gc.Matches, ".*width.*")
}

func (s *IntegrationTestSuite) TestNonImageIsRejected(c *gc.C) {
	_, err := s.submitter.Submit(context.TODO(), []byte("definitely not an image"), jobstore.Operation{Name: "resize"})
	c.Assert(xerrors.Is(err, submitter.ErrInvalidInput), gc.Equals, true, gc.Commentf("got %v", err))
	c.Assert(s.q.Pending(), gc.Equals, 0)
}

func (s *IntegrationTestSuite) TestRedeliveryIsIdempotent(c *gc.C) {
	id, err := s.submitter.Submit(context.TODO(), encodeJPEG(c, 64, 48), jobstore.Operation{Name: "grayscale"})
	c.Assert(err, gc.IsNil)

	c.Assert(s.processor.Process(context.TODO(), s.dequeue(c)), gc.IsNil)
	first, err := s.jobStore.Get(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	c.Assert(first.State, gc.Equals, jobstore.StateSucceeded)

	// Simulate the broker delivering the descriptor a second time.
	c.Assert(s.q.Enqueue(context.TODO(), &queue.Descriptor{
		JobID:     id,
		SourceRef: first.SourceRef,
		Operation: first.Operation,
	}), gc.IsNil)
	c.Assert(s.processor.Process(context.TODO(), s.dequeue(c)), gc.IsNil)

	second, err := s.jobStore.Get(context.TODO(), id)
	c.Assert(err, gc.IsNil)
	c.Assert(second, gc.DeepEquals, first)
}

func (s *IntegrationTestSuite) TestConcurrentWorkers(c *gc.C) {
	const numJobs = 10
	var ids []string
	for i := 0; i < numJobs; i++ {
		id, err := s.submitter.Submit(context.TODO(), encodeJPEG(c, 64, 48), jobstore.Operation{Name: "thumbnail"})
		c.Assert(err, gc.IsNil)
		ids = append(ids, id)
	}

	ctx, cancelFn := context.WithCancel(context.TODO())
	defer cancelFn()
	doneCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { doneCh <- s.processor.Run(ctx) }()
	}

	deadline := time.Now().Add(30 * time.Second)
	for _, id := range ids {
		for {
			view, err := s.tracker.Status(context.TODO(), id)
			c.Assert(err, gc.IsNil)
			if view.Status != tracker.StatusProcessing {
				c.Assert(view.Status, gc.Equals, tracker.StatusCompleted)
				break
			}
			if time.Now().After(deadline) {
				c.Fatalf("timed out waiting for job %s", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancelFn()
	for i := 0; i < 3; i++ {
		c.Assert(<-doneCh, gc.IsNil)
	}
}

func (s *IntegrationTestSuite) dequeue(c *gc.C) queue.Delivery {
	ctx, cancelFn := context.WithTimeout(context.TODO(), 5*time.Second)
	defer cancelFn()
	d, err := s.q.Dequeue(ctx)
	c.Assert(err, gc.IsNil)
	return d
}

func encodeJPEG(c *gc.C, w, h int) []byte {
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	img = imaging.Overlay(img, imaging.New(w/2, h/2, color.White), image.Pt(w/4, h/4), 1)
	c.Assert(imaging.Encode(&buf, img, imaging.JPEG), gc.IsNil)
	return buf.Bytes()
}
