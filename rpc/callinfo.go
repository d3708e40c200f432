package rpc

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// CallInfo describes the call a handler is serving.
type CallInfo struct {
	Method  string
	Kind    Kind
	Peer    string
	Session string
}

type callInfoKey struct{}

// NewHandlerContext returns the context handed to a handler: it carries the call info, and the caller's headers as
// incoming gRPC metadata.
func NewHandlerContext(ctx context.Context, info CallInfo, header metadata.MD) context.Context {
	ctx = context.WithValue(ctx, callInfoKey{}, info)
	if header == nil {
		header = metadata.MD{}
	}
	return metadata.NewIncomingContext(ctx, header)
}

func CallInfoFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}

// HeaderFromContext returns the headers of the call being served.
func HeaderFromContext(ctx context.Context) metadata.MD {
	md, _ := metadata.FromIncomingContext(ctx)
	return md
}

// OutgoingHeader returns the headers a client should attach to a call made with ctx.
func OutgoingHeader(ctx context.Context) metadata.MD {
	md, _ := metadata.FromOutgoingContext(ctx)
	return md
}

// WithHeader attaches headers to calls made with the returned context.
func WithHeader(ctx context.Context, kv ...string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, kv...)
}
