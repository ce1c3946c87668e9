package jobstoreapi

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/moratsam/imgqueue/jobstore"
)

const serviceName = "imgqueue.JobStore"

const (
	createMethod     = "/" + serviceName + "/Create"
	getMethod        = "/" + serviceName + "/Get"
	transitionMethod = "/" + serviceName + "/Transition"
	listMethod       = "/" + serviceName + "/List"
)

// CreateRequest is the payload of the Create RPC.
type CreateRequest struct {
	Job *jobstore.Job `json:"job"`
}

// GetRequest is the payload of the Get RPC.
type GetRequest struct {
	ID string `json:"id"`
}

// TransitionRequest is the payload of the Transition RPC.
type TransitionRequest struct {
	ID          string         `json:"id"`
	From        jobstore.State `json:"from"`
	State       jobstore.State `json:"state"`
	ResultRef   string         `json:"result_ref,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	At          time.Time      `json:"at"`
}

// ListRequest is the payload of the List RPC.
type ListRequest struct {
	Limit int `json:"limit"`
}

// ListResponse carries the jobs returned by the List RPC.
type ListResponse struct {
	Jobs []*jobstore.Job `json:"jobs"`
}

// JobResponse carries a single job record.
type JobResponse struct {
	Job *jobstore.Job `json:"job"`
}

// Empty is returned by RPCs without a result.
type Empty struct{}

// JobStoreService is implemented by gRPC servers exposing a job store.
type JobStoreService interface {
	Create(context.Context, *CreateRequest) (*Empty, error)
	Get(context.Context, *GetRequest) (*JobResponse, error)
	Transition(context.Context, *TransitionRequest) (*JobResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
}

// RegisterJobStoreService registers srv with the provided gRPC server.
func RegisterJobStoreService(s *grpc.Server, srv JobStoreService) {
	s.RegisterService(&jobStoreServiceDesc, srv)
}

var jobStoreServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*JobStoreService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: createHandler},
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Transition", Handler: transitionHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobstoreapi",
}

func createHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobStoreService).Create(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobStoreService).Create(ctx, req.(*CreateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobStoreService).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobStoreService).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func transitionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TransitionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobStoreService).Transition(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: transitionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobStoreService).Transition(ctx, req.(*TransitionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobStoreService).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobStoreService).List(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, in, info, handler)
}
