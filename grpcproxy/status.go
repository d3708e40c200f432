package grpcproxy

import (
	"context"

	"github.com/spirit-labs/chanrpc/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fromStatus turns an error returned by grpc into a coded error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	var cerr errors.ChanError
	if errors.As(err, &cerr) {
		return cerr
	}
	if st, ok := status.FromError(err); ok {
		return errors.NewError(st.Code(), st.Message())
	}
	return errors.NewError(errors.CodeOf(err), err.Error())
}

// toStatus turns a handler error into the status sent to a grpc caller. Errors without a code are logged and reported
// by reference.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var cerr errors.ChanError
	if errors.As(err, &cerr) {
		return status.Error(cerr.Code, cerr.Msg)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.Error(errors.CodeOf(err), err.Error())
	}
	cerr = errors.NewInternalError(err)
	return status.Error(codes.Internal, cerr.Msg)
}
