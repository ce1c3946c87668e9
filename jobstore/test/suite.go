package test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/jobstore"
)

// SuiteBase defines a re-usable set of job store related tests that can be
// executed against any type that implements jobstore.Store.
type SuiteBase struct {
	s jobstore.Store
}

func (s *SuiteBase) SetJobStore(store jobstore.Store) {
	s.s = store
}

func (s *SuiteBase) TestCreateAndGet(c *gc.C) {
	original := newPendingJob()

	err := s.s.Create(context.TODO(), original)
	c.Assert(err, gc.IsNil)

	retrieved, err := s.s.Get(context.TODO(), original.ID)
	c.Assert(err, gc.IsNil)
	assertJobsEqual(c, retrieved, original)
}

func (s *SuiteBase) TestCreateDuplicate(c *gc.C) {
	job := newPendingJob()
	c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)

	// A job id never refers to a different job.
	dup := newPendingJob()
	dup.ID = job.ID
	dup.SourceRef = "another-source"
	err := s.s.Create(context.TODO(), dup)
	c.Assert(xerrors.Is(err, jobstore.ErrJobExists), gc.Equals, true, gc.Commentf("got %v", err))

	retrieved, err := s.s.Get(context.TODO(), job.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(retrieved.SourceRef, gc.Equals, job.SourceRef)
}

func (s *SuiteBase) TestCreateRejectsNonPendingJobs(c *gc.C) {
	job := newPendingJob()
	job.State = jobstore.StateSucceeded
	job.ResultRef = "result"

	err := s.s.Create(context.TODO(), job)
	c.Assert(xerrors.Is(err, jobstore.ErrInvalidTransition), gc.Equals, true, gc.Commentf("got %v", err))

	_, err = s.s.Get(context.TODO(), job.ID)
	c.Assert(xerrors.Is(err, jobstore.ErrNotFound), gc.Equals, true, gc.Commentf("got %v", err))
}

func (s *SuiteBase) TestGetUnknownJob(c *gc.C) {
	_, err := s.s.Get(context.TODO(), uuid.New().String())
	c.Assert(err, gc.ErrorMatches, ".*job not found.*")
	c.Assert(xerrors.Is(err, jobstore.ErrNotFound), gc.Equals, true)
}

func (s *SuiteBase) TestTransitionUnknownJob(c *gc.C) {
	_, err := s.s.Transition(context.TODO(), uuid.New().String(), jobstore.StatePending, jobstore.Update{
		State: jobstore.StateRunning,
		At:    now(),
	})
	c.Assert(xerrors.Is(err, jobstore.ErrNotFound), gc.Equals, true, gc.Commentf("got %v", err))
}

func (s *SuiteBase) TestSuccessfulLifecycle(c *gc.C) {
	job := newPendingJob()
	c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)

	startedAt := now()
	running, err := s.s.Transition(context.TODO(), job.ID, jobstore.StatePending, jobstore.Update{
		State: jobstore.StateRunning,
		At:    startedAt,
	})
	c.Assert(err, gc.IsNil)
	c.Assert(running.State, gc.Equals, jobstore.StateRunning)
	c.Assert(running.StartedAt.Equal(startedAt), gc.Equals, true)
	c.Assert(running.ResultRef, gc.Equals, "")

	completedAt := startedAt.Add(time.Second)
	done, err := s.s.Transition(context.TODO(), job.ID, jobstore.StateRunning, jobstore.Update{
		State:     jobstore.StateSucceeded,
		ResultRef: "result-ref",
		At:        completedAt,
	})
	c.Assert(err, gc.IsNil)
	c.Assert(done.State, gc.Equals, jobstore.StateSucceeded)
	c.Assert(done.ResultRef, gc.Equals, "result-ref")
	c.Assert(done.ErrorDetail, gc.Equals, "")

	retrieved, err := s.s.Get(context.TODO(), job.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(retrieved.State, gc.Equals, jobstore.StateSucceeded)
	c.Assert(retrieved.ResultRef, gc.Equals, "result-ref")
	c.Assert(retrieved.SourceRef, gc.Equals, job.SourceRef)
	c.Assert(retrieved.Operation, gc.DeepEquals, job.Operation)
	c.Assert(retrieved.StartedAt.Equal(startedAt), gc.Equals, true)
	c.Assert(retrieved.CompletedAt.Equal(completedAt), gc.Equals, true)
}

func (s *SuiteBase) TestFailedLifecycle(c *gc.C) {
	job := newPendingJob()
	c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)

	_, err := s.s.Transition(context.TODO(), job.ID, jobstore.StatePending, jobstore.Update{State: jobstore.StateRunning, At: now()})
	c.Assert(err, gc.IsNil)

	_, err = s.s.Transition(context.TODO(), job.ID, jobstore.StateRunning, jobstore.Update{
		State:       jobstore.StateFailed,
		ErrorDetail: "unsupported operation: unknown_op",
		At:          now(),
	})
	c.Assert(err, gc.IsNil)

	retrieved, err := s.s.Get(context.TODO(), job.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(retrieved.State, gc.Equals, jobstore.StateFailed)
	c.Assert(retrieved.ErrorDetail, gc.Equals, "unsupported operation: unknown_op")
	c.Assert(retrieved.ResultRef, gc.Equals, "")
}

func (s *SuiteBase) TestPendingJobCanFail(c *gc.C) {
	job := newPendingJob()
	c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)

	failed, err := s.s.Transition(context.TODO(), job.ID, jobstore.StatePending, jobstore.Update{
		State:       jobstore.StateFailed,
		ErrorDetail: "could not enqueue job",
		At:          now(),
	})
	c.Assert(err, gc.IsNil)
	c.Assert(failed.State, gc.Equals, jobstore.StateFailed)
}

func (s *SuiteBase) TestTransitionConflict(c *gc.C) {
	job := newPendingJob()
	c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)

	claim := jobstore.Update{State: jobstore.StateRunning, At: now()}
	_, err := s.s.Transition(context.TODO(), job.ID, jobstore.StatePending, claim)
	c.Assert(err, gc.IsNil)

	// A redelivered descriptor attempting to claim the job again.
	_, err = s.s.Transition(context.TODO(), job.ID, jobstore.StatePending, claim)
	c.Assert(err, gc.ErrorMatches, ".*RUNNING.*job state conflict")
	c.Assert(xerrors.Is(err, jobstore.ErrStateConflict), gc.Equals, true)
}

func (s *SuiteBase) TestTerminalStatesAreFinal(c *gc.C) {
	job := newPendingJob()
	c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)
	_, err := s.s.Transition(context.TODO(), job.ID, jobstore.StatePending, jobstore.Update{State: jobstore.StateRunning, At: now()})
	c.Assert(err, gc.IsNil)
	_, err = s.s.Transition(context.TODO(), job.ID, jobstore.StateRunning, jobstore.Update{State: jobstore.StateSucceeded, ResultRef: "result", At: now()})
	c.Assert(err, gc.IsNil)

	// Every attempt to move the job out of its terminal state must fail.
	_, err = s.s.Transition(context.TODO(), job.ID, jobstore.StateRunning, jobstore.Update{State: jobstore.StateFailed, ErrorDetail: "late failure", At: now()})
	c.Assert(xerrors.Is(err, jobstore.ErrStateConflict), gc.Equals, true, gc.Commentf("got %v", err))
	_, err = s.s.Transition(context.TODO(), job.ID, jobstore.StatePending, jobstore.Update{State: jobstore.StateRunning, At: now()})
	c.Assert(xerrors.Is(err, jobstore.ErrStateConflict), gc.Equals, true, gc.Commentf("got %v", err))
	_, err = s.s.Transition(context.TODO(), job.ID, jobstore.StateSucceeded, jobstore.Update{State: jobstore.StateRunning, At: now()})
	c.Assert(xerrors.Is(err, jobstore.ErrInvalidTransition), gc.Equals, true, gc.Commentf("got %v", err))

	retrieved, err := s.s.Get(context.TODO(), job.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(retrieved.State, gc.Equals, jobstore.StateSucceeded)
	c.Assert(retrieved.ResultRef, gc.Equals, "result")
	c.Assert(retrieved.ErrorDetail, gc.Equals, "")
}

func (s *SuiteBase) TestInvalidTransitions(c *gc.C) {
	job := newPendingJob()
	c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)

	cases := []struct {
		from jobstore.State
		upd  jobstore.Update
	}{
		// Skipping RUNNING.
		{jobstore.StatePending, jobstore.Update{State: jobstore.StateSucceeded, ResultRef: "r", At: now()}},
		// Result ref on a non-successful state.
		{jobstore.StatePending, jobstore.Update{State: jobstore.StateRunning, ResultRef: "r", At: now()}},
		// Failure without detail.
		{jobstore.StatePending, jobstore.Update{State: jobstore.StateFailed, At: now()}},
		// Missing timestamp.
		{jobstore.StatePending, jobstore.Update{State: jobstore.StateRunning}},
		// Unknown state.
		{jobstore.StatePending, jobstore.Update{State: "PAUSED", At: now()}},
	}

	for i, tc := range cases {
		_, err := s.s.Transition(context.TODO(), job.ID, tc.from, tc.upd)
		c.Assert(xerrors.Is(err, jobstore.ErrInvalidTransition), gc.Equals, true, gc.Commentf("case %d: got %v", i, err))
	}

	retrieved, err := s.s.Get(context.TODO(), job.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(retrieved.State, gc.Equals, jobstore.StatePending)
}

func (s *SuiteBase) TestConcurrentClaim(c *gc.C) {
	job := newPendingJob()
	c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)

	numWorkers := 8
	var (
		wg        sync.WaitGroup
		startCh   = make(chan struct{})
		resultsCh = make(chan error, numWorkers)
	)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startCh
			_, err := s.s.Transition(context.TODO(), job.ID, jobstore.StatePending, jobstore.Update{
				State: jobstore.StateRunning,
				At:    now(),
			})
			resultsCh <- err
		}()
	}
	close(startCh)
	wg.Wait()
	close(resultsCh)

	var won, conflicts int
	for err := range resultsCh {
		switch {
		case err == nil:
			won++
		case xerrors.Is(err, jobstore.ErrStateConflict):
			conflicts++
		default:
			c.Fatalf("unexpected error: %v", err)
		}
	}
	c.Assert(won, gc.Equals, 1, gc.Commentf("exactly one worker should claim the job"))
	c.Assert(conflicts, gc.Equals, numWorkers-1)
}

func (s *SuiteBase) TestReturnedJobsAreCopies(c *gc.C) {
	job := newPendingJob()
	c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)

	// Mutating the caller's copies must not leak into the store.
	job.Operation.Params["width"] = "1"
	retrieved, err := s.s.Get(context.TODO(), job.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(retrieved.Operation.Params["width"], gc.Equals, "800")

	retrieved.Operation.Params["width"] = "2"
	retrieved.State = jobstore.StateFailed
	again, err := s.s.Get(context.TODO(), job.ID)
	c.Assert(err, gc.IsNil)
	c.Assert(again.Operation.Params["width"], gc.Equals, "800")
	c.Assert(again.State, gc.Equals, jobstore.StatePending)
}

func (s *SuiteBase) TestList(c *gc.C) {
	jobs, err := s.s.List(context.TODO(), 10)
	c.Assert(err, gc.IsNil)
	c.Assert(jobs, gc.HasLen, 0)

	base := now()
	var created []*jobstore.Job
	for i := 0; i < 5; i++ {
		job := newPendingJob()
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		c.Assert(s.s.Create(context.TODO(), job), gc.IsNil)
		created = append(created, job)
	}
	_, err = s.s.Transition(context.TODO(), created[4].ID, jobstore.StatePending, jobstore.Update{
		State: jobstore.StateRunning,
		At:    now(),
	})
	c.Assert(err, gc.IsNil)

	jobs, err = s.s.List(context.TODO(), 3)
	c.Assert(err, gc.IsNil)
	c.Assert(jobs, gc.HasLen, 3)
	for i, job := range jobs {
		c.Assert(job.ID, gc.Equals, created[4-i].ID, gc.Commentf("position %d", i))
	}
	c.Assert(jobs[0].State, gc.Equals, jobstore.StateRunning)

	jobs, err = s.s.List(context.TODO(), 100)
	c.Assert(err, gc.IsNil)
	c.Assert(jobs, gc.HasLen, 5)
	assertJobsEqual(c, jobs[4], created[0])
}

func (s *SuiteBase) TestListOrdersTiesByID(c *gc.C) {
	at := now()
	a, b := newPendingJob(), newPendingJob()
	a.ID, b.ID = "job-a", "job-b"
	a.CreatedAt, b.CreatedAt = at, at
	c.Assert(s.s.Create(context.TODO(), a), gc.IsNil)
	c.Assert(s.s.Create(context.TODO(), b), gc.IsNil)

	jobs, err := s.s.List(context.TODO(), 2)
	c.Assert(err, gc.IsNil)
	c.Assert(jobs, gc.HasLen, 2)
	c.Assert(jobs[0].ID, gc.Equals, "job-b")
	c.Assert(jobs[1].ID, gc.Equals, "job-a")
}

func newPendingJob() *jobstore.Job {
	return &jobstore.Job{
		ID:    uuid.New().String(),
		State: jobstore.StatePending,
		Operation: jobstore.Operation{
			Name:   "resize",
			Params: map[string]string{"width": "800", "height": "600"},
		},
		SourceRef: uuid.New().String(),
		CreatedAt: now(),
	}
}

// Backends persist timestamps with microsecond precision in UTC.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func assertJobsEqual(c *gc.C, got, want *jobstore.Job) {
	c.Assert(got.ID, gc.Equals, want.ID)
	c.Assert(got.State, gc.Equals, want.State)
	c.Assert(got.Operation, gc.DeepEquals, want.Operation)
	c.Assert(got.SourceRef, gc.Equals, want.SourceRef)
	c.Assert(got.ResultRef, gc.Equals, want.ResultRef)
	c.Assert(got.ErrorDetail, gc.Equals, want.ErrorDetail)
	c.Assert(got.CreatedAt.Equal(want.CreatedAt), gc.Equals, true, gc.Commentf("created_at %v != %v", got.CreatedAt, want.CreatedAt))
	c.Assert(got.StartedAt.IsZero(), gc.Equals, want.StartedAt.IsZero())
	c.Assert(got.CompletedAt.IsZero(), gc.Equals, want.CompletedAt.IsZero())
}
