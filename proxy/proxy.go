// Package proxy re-exposes a service reachable through an rpc.Client as a local service, without per-method glue.
package proxy

import (
	"context"
	"io"

	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"github.com/spirit-labs/chanrpc/rpc"
	"google.golang.org/grpc/metadata"
)

// ContextTranslator derives the context of the downstream call from the context of the call being served.
type ContextTranslator func(ctx context.Context) (context.Context, error)

type options struct {
	translate ContextTranslator
}

type Option func(*options)

func WithContextTranslator(translate ContextTranslator) Option {
	return func(o *options) {
		o.translate = translate
	}
}

// PassthroughContext is the default translator. The downstream call inherits cancellation and deadline from ctx,
// and the incoming headers are sent on unchanged.
func PassthroughContext(ctx context.Context) (context.Context, error) {
	md := rpc.HeaderFromContext(ctx)
	if md == nil {
		return ctx, nil
	}
	return metadata.NewOutgoingContext(ctx, md.Copy()), nil
}

// New returns a service with a handler for every method in desc that forwards the call to client.
func New(desc *rpc.ServiceDesc, client rpc.Client, opts ...Option) *rpc.Service {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.translate == nil {
		log.Warnf("proxy for service %s forwards every incoming header downstream; use a context translator to "+
			"control what is forwarded", desc.Name())
		o.translate = PassthroughContext
	}
	svc := rpc.NewService(desc)
	for _, m := range desc.Methods() {
		svc.MustHandle(m.Name, forward(desc.FullMethod(m.Name), m.Kind, client, o.translate))
	}
	return svc
}

func forward(fullMethod string, kind rpc.Kind, client rpc.Client, translate ContextTranslator) rpc.HandlerFunc {
	if kind == rpc.Unary {
		return func(ctx context.Context, in rpc.Receiver, out rpc.Sender) error {
			req, err := rpc.RecvOne(in)
			if err != nil {
				return err
			}
			dctx, err := translate(ctx)
			if err != nil {
				return err
			}
			resp, err := client.Invoke(dctx, fullMethod, req)
			if err != nil {
				return err
			}
			return out.Send(resp)
		}
	}
	return func(ctx context.Context, in rpc.Receiver, out rpc.Sender) error {
		dctx, err := translate(ctx)
		if err != nil {
			return err
		}
		stream, err := client.NewStream(dctx, fullMethod, kind)
		if err != nil {
			return err
		}
		defer func() {
			if err := stream.Close(); err != nil {
				log.Debugf("failed to close downstream call %s: %v", fullMethod, err)
			}
		}()
		// the request pump is not waited for: once the downstream has responded the call is over, and the pump
		// ends when the request stream is released
		common.Go(func() {
			if err := pumpRequests(in, stream); err != nil {
				log.Debugf("request stream of %s ended: %v", fullMethod, err)
			}
		})
		return pumpResponses(stream, out)
	}
}

func pumpRequests(in rpc.Receiver, stream rpc.Stream) error {
	for {
		v, err := in.Recv()
		if errors.Is(err, io.EOF) {
			return stream.CloseSend()
		}
		if err != nil {
			_ = stream.Close()
			return err
		}
		if err := stream.Send(v); err != nil {
			return err
		}
	}
}

func pumpResponses(stream rpc.Stream, out rpc.Sender) error {
	for {
		v, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := out.Send(v); err != nil {
			return err
		}
	}
}
