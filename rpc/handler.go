package rpc

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spirit-labs/chanrpc/errors"
	"google.golang.org/grpc/codes"
)

// Receiver yields the values sent by the other side of a call, then io.EOF.
type Receiver interface {
	Recv() (json.RawMessage, error)
}

type Sender interface {
	Send(value json.RawMessage) error
}

// HandlerFunc is the uniform shape every method is served through, whatever its Kind. For methods that take a single
// request, in yields exactly one value. For methods that return a single response, the handler must Send exactly
// once.
type HandlerFunc func(ctx context.Context, in Receiver, out Sender) error

type UnaryFunc func(ctx context.Context, req json.RawMessage) (json.RawMessage, error)

type ServerStreamFunc func(ctx context.Context, req json.RawMessage, out Sender) error

type ClientStreamFunc func(ctx context.Context, in Receiver) (json.RawMessage, error)

type BidiFunc func(ctx context.Context, in Receiver, out Sender) error

func (f UnaryFunc) Handler() HandlerFunc {
	return func(ctx context.Context, in Receiver, out Sender) error {
		req, err := RecvOne(in)
		if err != nil {
			return err
		}
		resp, err := f(ctx, req)
		if err != nil {
			return err
		}
		return out.Send(resp)
	}
}

func (f ServerStreamFunc) Handler() HandlerFunc {
	return func(ctx context.Context, in Receiver, out Sender) error {
		req, err := RecvOne(in)
		if err != nil {
			return err
		}
		return f(ctx, req, out)
	}
}

func (f ClientStreamFunc) Handler() HandlerFunc {
	return func(ctx context.Context, in Receiver, out Sender) error {
		resp, err := f(ctx, in)
		if err != nil {
			return err
		}
		return out.Send(resp)
	}
}

func (f BidiFunc) Handler() HandlerFunc {
	return HandlerFunc(f)
}

// RecvOne reads the single request of a unary or server streaming call.
func RecvOne(in Receiver) (json.RawMessage, error) {
	req, err := in.Recv()
	if errors.Is(err, io.EOF) {
		return nil, errors.NewError(codes.InvalidArgument, "missing request message")
	}
	return req, err
}
