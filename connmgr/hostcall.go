package connmgr

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/spirit-labs/chanrpc/channame"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	"github.com/spirit-labs/chanrpc/metrics"
	"github.com/spirit-labs/chanrpc/portstream"
	"github.com/spirit-labs/chanrpc/rpc"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc/codes"
)

func checkRequestShape(prefix string, kind rpc.Kind, env envelope) error {
	if kind.ClientStreams() {
		if env.Channel == "" {
			return errors.NewErrorf(codes.InvalidArgument, "method %q is %s and requires a request channel",
				env.Method, kind)
		}
		if _, ok := channame.DecodeLabel(prefix, channame.Stream, env.Channel); !ok {
			return errors.NewErrorf(codes.InvalidArgument, "invalid request channel %q", env.Channel)
		}
		return nil
	}
	if env.Channel != "" || env.Message == nil {
		return errors.NewErrorf(codes.InvalidArgument, "method %q is %s and requires a single request message",
			env.Method, kind)
	}
	return nil
}

// hostCall serves one request. Its signal is shared by the response stream, and is the parent of the request
// stream's signal, so that abandoning the request stream does not end the call.
type hostCall struct {
	session *session
	env     envelope
	route   rpc.Route
	sig     *portstream.Signal
}

func newHostCall(s *session, env envelope, route rpc.Route) *hostCall {
	return &hostCall{session: s, env: env, route: route, sig: portstream.NewSignal()}
}

func (c *hostCall) host() *Host {
	return c.session.host
}

func (c *hostCall) run() {
	start := time.Now()
	defer c.host().wg.Done()
	defer c.session.callDone(c.env.RequestID)
	defer c.host().sem.Release(1)
	stopTimer := c.sig.FireAfter(c.host().conf.CallTimeout, "call to "+c.env.Method)
	defer stopTimer()

	ctx, cancel := signalContext(c.host().ctx, c.sig)
	defer cancel()
	ctx = rpc.NewHandlerContext(ctx, rpc.CallInfo{
		Method:  c.env.Method,
		Kind:    c.route.Method.Kind,
		Peer:    c.session.port.Peer(),
		Session: c.session.id,
	}, c.env.Header)

	var err error
	if c.route.Method.Kind.ServerStreams() {
		err = c.serveStream(ctx)
	} else {
		err = c.serveSingle(ctx)
	}
	metrics.Calls.WithLabelValues(c.env.Method, errors.CodeOf(err).String()).Inc()
	metrics.CallDuration.WithLabelValues(c.env.Method).Observe(time.Since(start).Seconds())
}

// serveSingle serves methods that reply with exactly one message.
func (c *hostCall) serveSingle(ctx context.Context) error {
	in, err := c.requestReceiver(ctx)
	if err != nil {
		c.session.reply(c.env.RequestID, err)
		return err
	}
	out := &singleSender{}
	err = c.route.Handler(ctx, in, out)
	in.release()
	if err == nil && !out.sent {
		err = errors.NewErrorf(codes.Internal, "method %q returned without a response", c.env.Method)
	}
	if err != nil {
		err = c.publicError(err)
		c.session.reply(c.env.RequestID, err)
		return err
	}
	return c.session.send(&envelope{RequestID: c.env.RequestID, Message: out.value})
}

// serveStream serves methods that reply with a stream. The response channel is offered before the handler runs, and
// the handler's first write waits for the caller to connect to it.
func (c *hostCall) serveStream(ctx context.Context) error {
	in, err := c.requestReceiver(ctx)
	if err != nil {
		c.session.reply(c.env.RequestID, err)
		return err
	}
	o := c.host().offers.create(c.host().prefix, c.session.port.Peer())
	if err := c.session.send(&envelope{RequestID: c.env.RequestID, Channel: o.name}); err != nil {
		c.host().offers.withdraw(o)
		in.release()
		return err
	}
	out := &offerSender{call: c, offer: o}
	err = c.route.Handler(ctx, in, out)
	in.release()
	sink, sinkErr := out.connected()
	if sinkErr != nil {
		if err != nil {
			return c.publicError(err)
		}
		return sinkErr
	}
	finishCtx, cancel := context.WithTimeout(context.Background(), c.host().conf.SubChannelTimeout)
	defer cancel()
	if err != nil {
		err = c.publicError(err)
		if abortErr := sink.Abort(finishCtx, err); abortErr != nil && !c.sig.Fired() {
			return abortErr
		}
		return err
	}
	return sink.Close(finishCtx)
}

// publicError is the error a caller is told about. Handler errors that carry no code are logged and replaced with a
// reference, and errors caused by the call being stopped are reported with the reason it was stopped.
func (c *hostCall) publicError(err error) error {
	if c.sig.Fired() {
		return c.sig.Err()
	}
	var cerr errors.ChanError
	if errors.As(err, &cerr) {
		return cerr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.NewErrorf(errors.CodeOf(err), "%v", err)
	}
	return errors.NewInternalError(err)
}

func (c *hostCall) requestReceiver(ctx context.Context) (requestReceiver, error) {
	if !c.route.Method.Kind.ClientStreams() {
		return &singleReceiver{value: c.env.Message}, nil
	}
	port, err := c.session.bus.Connect(ctx, c.env.Channel)
	if err != nil {
		return nil, errors.NewErrorf(errors.CodeOf(err), "failed to connect request channel: %v", err)
	}
	if port.Peer() != c.session.port.Peer() {
		port.Disconnect()
		return nil, errors.NewErrorf(codes.PermissionDenied, "request channel %q is not held by the caller",
			c.env.Channel)
	}
	metrics.ChannelsOpened.WithLabelValues(string(channame.Stream)).Inc()
	c.host().trackStream(port)
	var opts []portstream.SourceOption
	if d := c.host().conf.StreamIdleTimeout; d > 0 {
		opts = append(opts, portstream.WithIdleTimeout(d))
	}
	return &sourceReceiver{ctx: ctx, source: portstream.NewSource(port, c.sig.Child(), opts...)}, nil
}

// signalContext returns a context that is cancelled when sig fires.
func signalContext(parent context.Context, sig *portstream.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	common.Go(func() {
		select {
		case <-sig.Done():
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, cancel
}

type requestReceiver interface {
	rpc.Receiver
	// release gives up whatever the handler did not read.
	release()
}

type singleReceiver struct {
	value json.RawMessage
	read  bool
}

func (r *singleReceiver) Recv() (json.RawMessage, error) {
	if r.read {
		return nil, io.EOF
	}
	r.read = true
	return r.value, nil
}

func (r *singleReceiver) release() {
}

type sourceReceiver struct {
	ctx    context.Context
	source *portstream.Source
}

func (r *sourceReceiver) Recv() (json.RawMessage, error) {
	return r.source.Read(r.ctx)
}

func (r *sourceReceiver) release() {
	if r.source.State() == portstream.SourceActive {
		r.source.Cancel(errors.NewError(codes.Canceled, "request stream no longer read"))
	}
}

type singleSender struct {
	lock  sync.Mutex
	value json.RawMessage
	sent  bool
}

func (s *singleSender) Send(value json.RawMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sent {
		return errors.NewError(codes.FailedPrecondition, "response already sent")
	}
	if !gjson.ValidBytes(value) {
		return errors.NewError(codes.InvalidArgument, "response is not valid JSON")
	}
	s.value = value
	s.sent = true
	return nil
}

// offerSender writes a response stream onto an offered channel once the caller has connected to it.
type offerSender struct {
	call  *hostCall
	offer *offer
	lock  sync.Mutex
	sink  *portstream.Sink
	err   error
}

func (s *offerSender) connected() (*portstream.Sink, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sink != nil || s.err != nil {
		return s.sink, s.err
	}
	h := s.call.host()
	port, err := h.offers.wait(s.offer, s.call.sig, h.conf.SubChannelTimeout)
	if err != nil {
		s.call.sig.Fire(err)
		s.err = err
		return nil, err
	}
	s.sink = portstream.NewSink(port, s.call.sig)
	return s.sink, nil
}

func (s *offerSender) Send(value json.RawMessage) error {
	sink, err := s.connected()
	if err != nil {
		return err
	}
	return sink.Write(value)
}
