// Package grpcproxy bridges rpc services and gRPC. Client forwards calls to a gRPC server that speaks JSON, and Handler
// serves an rpc.Router to gRPC callers.
package grpcproxy

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/spirit-labs/chanrpc/errors"
	"github.com/spirit-labs/chanrpc/rpc"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

// Client implements rpc.Client over a grpc connection. Outgoing headers on the call context are sent as grpc metadata.
type Client struct {
	cc       grpc.ClientConnInterface
	callOpts []grpc.CallOption
}

func NewClient(cc grpc.ClientConnInterface, opts ...grpc.CallOption) *Client {
	return &Client{
		cc:       cc,
		callOpts: append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...),
	}
}

func (c *Client) Invoke(ctx context.Context, method string, req json.RawMessage) (json.RawMessage, error) {
	if !gjson.ValidBytes(req) {
		return nil, errors.NewError(codes.InvalidArgument, "request is not valid JSON")
	}
	var resp json.RawMessage
	if err := c.cc.Invoke(ctx, method, &req, &resp, c.callOpts...); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

func (c *Client) NewStream(ctx context.Context, method string, kind rpc.Kind) (rpc.Stream, error) {
	if !kind.Valid() {
		return nil, errors.NewErrorf(codes.InvalidArgument, "invalid method kind %s", kind)
	}
	ctx, cancel := context.WithCancel(ctx)
	desc := &grpc.StreamDesc{
		StreamName:    method,
		ClientStreams: kind.ClientStreams(),
		ServerStreams: kind.ServerStreams(),
	}
	cs, err := c.cc.NewStream(ctx, desc, method, c.callOpts...)
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	return &stream{cs: cs, kind: kind, cancel: cancel}, nil
}

type stream struct {
	cs     grpc.ClientStream
	kind   rpc.Kind
	cancel context.CancelFunc
	lock   sync.Mutex
	sent   bool
	closed bool
}

func (s *stream) Send(value json.RawMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return errors.NewError(codes.FailedPrecondition, "request stream already closed")
	}
	if !s.kind.ClientStreams() && s.sent {
		return errors.NewErrorf(codes.FailedPrecondition, "%s call takes a single request", s.kind)
	}
	if !gjson.ValidBytes(value) {
		return errors.NewError(codes.InvalidArgument, "request is not valid JSON")
	}
	s.sent = true
	err := s.cs.SendMsg(&value)
	if errors.Is(err, io.EOF) {
		// the server has ended the call, its status is returned by Recv
		return errors.NewError(codes.FailedPrecondition, "call already ended")
	}
	return fromStatus(err)
}

func (s *stream) CloseSend() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	if !s.kind.ClientStreams() && !s.sent {
		return errors.NewErrorf(codes.FailedPrecondition, "%s call needs a request before it is closed", s.kind)
	}
	s.closed = true
	return fromStatus(s.cs.CloseSend())
}

func (s *stream) Recv() (json.RawMessage, error) {
	var v json.RawMessage
	err := s.cs.RecvMsg(&v)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fromStatus(err)
	}
	return v, nil
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}
