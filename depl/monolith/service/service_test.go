package service

import (
	"context"
	"testing"
	"time"

	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(GroupTestSuite))

func Test(t *testing.T) { gc.TestingT(t) }

type GroupTestSuite struct{}

type funcService struct {
	name string
	run  func(context.Context) error
}

func (s funcService) Name() string                    { return s.name }
func (s funcService) Run(ctx context.Context) error { return s.run(ctx) }

func (s *GroupTestSuite) TestCancellationStopsAllServices(c *gc.C) {
	stopped := make(chan string, 2)
	blockUntilDone := func(name string) Service {
		return funcService{name: name, run: func(ctx context.Context) error {
			<-ctx.Done()
			stopped <- name
			return nil
		}}
	}

	ctx, cancelFn := context.WithCancel(context.TODO())
	doneCh := make(chan error, 1)
	go func() { doneCh <- Group{blockUntilDone("a"), blockUntilDone("b")}.Run(ctx) }()

	cancelFn()
	select {
	case err := <-doneCh:
		c.Assert(err, gc.IsNil)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for group to exit")
	}
	c.Assert(len(stopped), gc.Equals, 2)
}

func (s *GroupTestSuite) TestFailingServiceStopsGroup(c *gc.C) {
	failing := funcService{name: "worker", run: func(context.Context) error {
		return xerrors.New("queue unreachable")
	}}
	blocking := funcService{name: "front-end", run: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}

	err := Group{failing, blocking}.Run(context.TODO())
	c.Assert(err, gc.ErrorMatches, "(?ms).*worker: queue unreachable.*")
}
