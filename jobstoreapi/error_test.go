package jobstoreapi

import (
	"golang.org/x/xerrors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/jobstore"
)

var _ = gc.Suite(new(ErrorTestSuite))

type ErrorTestSuite struct{}

func (s *ErrorTestSuite) TestStatusMapping(c *gc.C) {
	cases := []struct {
		err      error
		code     codes.Code
		sentinel error
	}{
		{xerrors.Errorf("get abc: %w", jobstore.ErrNotFound), codes.NotFound, jobstore.ErrNotFound},
		{jobstore.ConflictError("abc", jobstore.StatePending, jobstore.StateRunning), codes.FailedPrecondition, jobstore.ErrStateConflict},
		{xerrors.Errorf("create: %w", jobstore.ErrJobExists), codes.AlreadyExists, jobstore.ErrJobExists},
		{xerrors.Errorf("bad: %w", jobstore.ErrInvalidTransition), codes.InvalidArgument, jobstore.ErrInvalidTransition},
		{xerrors.New("disk on fire"), codes.Internal, nil},
	}

	for i, tc := range cases {
		stErr := toStatus(tc.err)
		c.Assert(status.Code(stErr), gc.Equals, tc.code, gc.Commentf("case %d", i))

		got := fromStatus(stErr)
		if tc.code == codes.Internal {
			c.Assert(status.Code(got), gc.Equals, codes.Internal)
			continue
		}
		c.Assert(got.Error(), gc.Equals, tc.err.Error(), gc.Commentf("case %d", i))
		c.Assert(xerrors.Is(got, tc.sentinel), gc.Equals, true, gc.Commentf("case %d", i))
	}

	c.Assert(toStatus(nil), gc.IsNil)
}

func (s *ErrorTestSuite) TestRemoteErrorMatchesSentinel(c *gc.C) {
	err := fromStatus(toStatus(jobstore.ConflictError("abc", jobstore.StatePending, jobstore.StateSucceeded)))
	c.Assert(xerrors.Is(err, jobstore.ErrStateConflict), gc.Equals, true)
	c.Assert(xerrors.Is(err, jobstore.ErrNotFound), gc.Equals, false)
	c.Assert(err, gc.ErrorMatches, "job abc is SUCCEEDED, expected PENDING: job state conflict")
}
