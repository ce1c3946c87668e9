package jobstoreapi

import (
	"context"

	"github.com/moratsam/imgqueue/jobstore"
)

var _ JobStoreService = (*JobStoreServer)(nil)

// JobStoreServer provides a gRPC layer for accessing a job store.
type JobStoreServer struct {
	s jobstore.Store
}

// NewJobStoreServer returns a new server instance that uses the provided
// store as its backing store.
func NewJobStoreServer(s jobstore.Store) *JobStoreServer {
	return &JobStoreServer{s: s}
}

// Create inserts a new job.
func (s *JobStoreServer) Create(ctx context.Context, req *CreateRequest) (*Empty, error) {
	if req.Job == nil {
		return nil, toStatus(jobstore.ErrInvalidTransition)
	}
	return new(Empty), toStatus(s.s.Create(ctx, req.Job))
}

// Get looks up a job by id.
func (s *JobStoreServer) Get(ctx context.Context, req *GetRequest) (*JobResponse, error) {
	job, err := s.s.Get(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JobResponse{Job: job}, nil
}

// List returns the most recently created jobs.
func (s *JobStoreServer) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	jobs, err := s.s.List(ctx, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListResponse{Jobs: jobs}, nil
}

// Transition performs a compare-and-swap state change.
func (s *JobStoreServer) Transition(ctx context.Context, req *TransitionRequest) (*JobResponse, error) {
	job, err := s.s.Transition(ctx, req.ID, req.From, jobstore.Update{
		State:       req.State,
		ResultRef:   req.ResultRef,
		ErrorDetail: req.ErrorDetail,
		At:          req.At,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &JobResponse{Job: job}, nil
}
