package jobstoreapi

import (
	"golang.org/x/xerrors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/moratsam/imgqueue/jobstore"
)

var errorCodes = []struct {
	sentinel error
	code     codes.Code
}{
	{jobstore.ErrNotFound, codes.NotFound},
	{jobstore.ErrStateConflict, codes.FailedPrecondition},
	{jobstore.ErrJobExists, codes.AlreadyExists},
	{jobstore.ErrInvalidTransition, codes.InvalidArgument},
}

// toStatus converts store errors into gRPC status errors so that clients can
// recover the sentinel.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	for _, ec := range errorCodes {
		if xerrors.Is(err, ec.sentinel) {
			return status.Error(ec.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus is the inverse of toStatus.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, ec := range errorCodes {
		if st.Code() == ec.code {
			return &remoteError{sentinel: ec.sentinel, msg: st.Message()}
		}
	}
	return err
}

// remoteError preserves the message produced by the server while matching
// the sentinel it was derived from.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
