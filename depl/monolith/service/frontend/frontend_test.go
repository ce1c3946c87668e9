package frontend

import (
	"context"
	"testing"
	"time"

	gc "gopkg.in/check.v1"

	memblob "github.com/moratsam/imgqueue/blobstore/memory"
	memjob "github.com/moratsam/imgqueue/jobstore/memory"
	memqueue "github.com/moratsam/imgqueue/queue/memory"
)

var _ = gc.Suite(new(FrontendServiceTestSuite))

func Test(t *testing.T) { gc.TestingT(t) }

type FrontendServiceTestSuite struct{}

func (s *FrontendServiceTestSuite) TestConfigValidation(c *gc.C) {
	_, err := NewService(Config{})
	c.Assert(err, gc.ErrorMatches, "(?ms).*listen address.*job store.*blob store.*queue.*")
}

func (s *FrontendServiceTestSuite) TestRunStopsOnCancel(c *gc.C) {
	q := memqueue.NewInMemoryQueue(nil, 0)
	defer func() { _ = q.Close() }()

	svc, err := NewService(Config{
		JobStore:   memjob.NewInMemoryJobStore(),
		BlobStore:  memblob.NewInMemoryBlobStore(),
		Queue:      q,
		ListenAddr: "127.0.0.1:0",
	})
	c.Assert(err, gc.IsNil)
	c.Assert(svc.Name(), gc.Equals, "front-end")

	ctx, cancelFn := context.WithCancel(context.TODO())
	doneCh := make(chan error, 1)
	go func() { doneCh <- svc.Run(ctx) }()

	cancelFn()
	select {
	case err := <-doneCh:
		c.Assert(err, gc.IsNil)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for service to exit")
	}
}

func (s *FrontendServiceTestSuite) TestHealthChecks(c *gc.C) {
	q := memqueue.NewInMemoryQueue(nil, 0)
	defer func() { _ = q.Close() }()

	deps := healthChecks(Config{
		JobStore:  memjob.NewInMemoryJobStore(),
		BlobStore: memblob.NewInMemoryBlobStore(),
		Queue:     q,
	})
	c.Assert(deps, gc.HasLen, 1)
	c.Assert(deps["queue"], gc.Equals, q)
}
