package grpcproxy

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"github.com/spirit-labs/chanrpc/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// NewServer returns a grpc server that serves every method of router as JSON.
func NewServer(router *rpc.Router, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.UnknownServiceHandler(Handler(router)),
	}, opts...)
	return grpc.NewServer(opts...)
}

// Handler serves router to grpc callers. Install it with grpc.UnknownServiceHandler on a server whose codec is Codec.
func Handler(router *rpc.Router) grpc.StreamHandler {
	return func(_ interface{}, ss grpc.ServerStream) error {
		method, ok := grpc.MethodFromServerStream(ss)
		if !ok {
			return status.Error(codes.Internal, "no method on stream")
		}
		route, ok := router.Lookup(method)
		if !ok {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		kind := route.Method.Kind
		info := rpc.CallInfo{Method: method, Kind: kind}
		if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
			info.Peer = p.Addr.String()
		}
		md, _ := metadata.FromIncomingContext(ss.Context())
		ctx := rpc.NewHandlerContext(ss.Context(), info, md)

		in := &serverReceiver{ss: ss, single: !kind.ClientStreams()}
		out := &serverSender{ss: ss, single: !kind.ServerStreams()}
		err := route.Handler(ctx, in, out)
		if err == nil && out.single && !out.sent {
			err = errors.NewErrorf(codes.Internal, "method %q returned without a response", method)
		}
		if err != nil {
			log.Debugf("grpc call %s failed: %v", method, err)
		}
		return toStatus(err)
	}
}

type serverReceiver struct {
	ss     grpc.ServerStream
	single bool
	read   bool
}

func (r *serverReceiver) Recv() (json.RawMessage, error) {
	if r.single && r.read {
		return nil, io.EOF
	}
	var v json.RawMessage
	err := r.ss.RecvMsg(&v)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fromStatus(err)
	}
	r.read = true
	return v, nil
}

type serverSender struct {
	ss     grpc.ServerStream
	single bool
	lock   sync.Mutex
	sent   bool
}

func (s *serverSender) Send(value json.RawMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.single && s.sent {
		return errors.NewError(codes.FailedPrecondition, "response already sent")
	}
	if err := s.ss.SendMsg(&value); err != nil {
		return fromStatus(err)
	}
	s.sent = true
	return nil
}
