package jobstoreapi

import (
	"context"

	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/moratsam/imgqueue/jobstore"
)

var _ jobstore.Store = (*JobStoreClient)(nil)

// JobStoreClient implements jobstore.Store by delegating to a store exposed
// by a remote gRPC server.
type JobStoreClient struct {
	conn grpc.ClientConnInterface
}

// NewJobStoreClient returns a new client that issues calls over conn.
func NewJobStoreClient(conn grpc.ClientConnInterface) *JobStoreClient {
	return &JobStoreClient{conn: conn}
}

// Create a new job.
func (c *JobStoreClient) Create(ctx context.Context, job *jobstore.Job) error {
	if err := c.invoke(ctx, createMethod, &CreateRequest{Job: job}, new(Empty)); err != nil {
		return xerrors.Errorf("create: %w", err)
	}
	return nil
}

// Get the job with the given id.
func (c *JobStoreClient) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	res := new(JobResponse)
	if err := c.invoke(ctx, getMethod, &GetRequest{ID: id}, res); err != nil {
		return nil, xerrors.Errorf("get: %w", err)
	}
	return res.Job, nil
}

// Transition moves the job from the `from` state to upd.State.
func (c *JobStoreClient) Transition(ctx context.Context, id string, from jobstore.State, upd jobstore.Update) (*jobstore.Job, error) {
	req := &TransitionRequest{
		ID:          id,
		From:        from,
		State:       upd.State,
		ResultRef:   upd.ResultRef,
		ErrorDetail: upd.ErrorDetail,
		At:          upd.At,
	}
	res := new(JobResponse)
	if err := c.invoke(ctx, transitionMethod, req, res); err != nil {
		return nil, xerrors.Errorf("transition: %w", err)
	}
	return res.Job, nil
}

// List returns up to limit jobs, most recently created first.
func (c *JobStoreClient) List(ctx context.Context, limit int) ([]*jobstore.Job, error) {
	res := new(ListResponse)
	if err := c.invoke(ctx, listMethod, &ListRequest{Limit: limit}, res); err != nil {
		return nil, xerrors.Errorf("list: %w", err)
	}
	return res.Jobs, nil
}

// Ping queries the standard gRPC health service of the remote server.
func (c *JobStoreClient) Ping(ctx context.Context) error {
	res, err := healthpb.NewHealthClient(c.conn).Check(ctx, new(healthpb.HealthCheckRequest))
	if err != nil {
		return xerrors.Errorf("ping: %w", err)
	} else if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return xerrors.Errorf("ping: job store API is %s", res.GetStatus())
	}
	return nil
}

func (c *JobStoreClient) invoke(ctx context.Context, method string, req, res interface{}) error {
	return fromStatus(c.conn.Invoke(ctx, method, req, res, grpc.CallContentSubtype(codecName)))
}
