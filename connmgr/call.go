package connmgr

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/spirit-labs/chanrpc/channame"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	"github.com/spirit-labs/chanrpc/metrics"
	"github.com/spirit-labs/chanrpc/portstream"
	"github.com/spirit-labs/chanrpc/rpc"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// Call is the caller side of one call. Send, CloseSend and Recv may be used from different goroutines, but each of
// them from only one at a time.
type Call struct {
	client *Client
	sess   *clientSession
	id     string
	method string
	kind   rpc.Kind
	header metadata.MD
	sig    *portstream.Signal
	resp   chan envelope
	done   chan struct{}

	stopCtx    func()
	finishOnce sync.Once

	sendLock   sync.Mutex
	sent       bool
	sendClosed bool
	reqOffer   *offer
	reqSink    *portstream.Sink

	recvLock   sync.Mutex
	responded  bool
	single     json.RawMessage
	singleRead bool
	source     *portstream.Source
	recvErr    error
}

var _ rpc.Stream = (*Call)(nil)

func newCall(c *Client, sess *clientSession, method string, kind rpc.Kind, header metadata.MD) *Call {
	return &Call{
		client: c,
		sess:   sess,
		id:     uuid.NewString(),
		method: method,
		kind:   kind,
		header: header,
		sig:    portstream.NewSignal(),
		resp:   make(chan envelope, 1),
		done:   make(chan struct{}),
	}
}

func (c *Call) Method() string {
	return c.method
}

func (c *Call) Kind() rpc.Kind {
	return c.kind
}

// start ties the call to ctx and tells the host when the call is abandoned before its response arrived.
func (c *Call) start(ctx context.Context) {
	c.stopCtx = c.sig.FireOnDone(ctx)
	common.Go(func() {
		select {
		case <-c.sig.Done():
			c.abandon()
		case <-c.done:
		}
	})
}

// abandon tells the host to stop serving the call, unless its response has already arrived.
func (c *Call) abandon() {
	if c.sess.remove(c.id) != nil {
		_ = c.sess.send(&envelope{RequestID: c.id, Abort: true})
	}
}

func (c *Call) finish() {
	c.finishOnce.Do(func() {
		c.stopCtx()
		c.abandon()
		if c.reqOffer != nil && !c.client.offers.withdraw(c.reqOffer) {
			// claimed but never written to
			select {
			case port := <-c.reqOffer.claimed:
				port.Disconnect()
			default:
			}
		}
		close(c.done)
	})
}

// send writes a session message. If the session has gone away the call fails with the reason the session ended.
func (c *Call) send(env *envelope) error {
	err := c.sess.send(env)
	if err != nil && errors.IsDisconnected(err) {
		<-c.sess.endedCh
		if sigErr := c.sig.Err(); sigErr != nil {
			return sigErr
		}
	}
	return err
}

func (c *Call) request(message json.RawMessage, channel string) *envelope {
	return &envelope{RequestID: c.id, Method: c.method, Header: c.header, Message: message, Channel: channel}
}

// respond delivers the host's response. An error response also fires the call's signal so that a request stream
// still being written is stopped.
func (c *Call) respond(env envelope) {
	c.resp <- env
	if env.Error != nil {
		c.sig.Fire(errors.Decode(env.Error))
	}
}

func (c *Call) Send(value json.RawMessage) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if err := c.sig.Err(); err != nil {
		return err
	}
	if c.sendClosed {
		return errors.NewError(codes.FailedPrecondition, "send after CloseSend")
	}
	if !c.kind.ClientStreams() {
		if c.sent {
			return errors.NewErrorf(codes.FailedPrecondition, "method %q takes a single request", c.method)
		}
		if !gjson.ValidBytes(value) {
			return errors.NewError(codes.InvalidArgument, "request is not valid JSON")
		}
		c.sent = true
		return c.send(c.request(value, ""))
	}
	sink, err := c.requestSink()
	if err != nil {
		return err
	}
	return sink.Write(value)
}

// CloseSend ends the request. For single request methods it only checks that the request was sent.
func (c *Call) CloseSend() error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if c.sendClosed {
		return nil
	}
	c.sendClosed = true
	if !c.kind.ClientStreams() {
		if !c.sent {
			return errors.NewErrorf(codes.FailedPrecondition, "no request sent for method %q", c.method)
		}
		return nil
	}
	sink, err := c.requestSink()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.client.conf.SubChannelTimeout)
	defer cancel()
	return sink.Close(ctx)
}

func (c *Call) requestSink() (*portstream.Sink, error) {
	if c.reqSink != nil {
		return c.reqSink, nil
	}
	port, err := c.client.offers.wait(c.reqOffer, c.sig, c.client.conf.SubChannelTimeout)
	if err != nil {
		c.sig.Fire(err)
		return nil, c.sig.Err()
	}
	// the host stops reading the request stream as soon as its handler returns, which must not end the call
	c.reqSink = portstream.NewSink(port, c.sig.Child())
	return c.reqSink, nil
}

// Recv returns the next response, then io.EOF. Any other error is terminal and returned again by later calls.
func (c *Call) Recv() (json.RawMessage, error) {
	c.recvLock.Lock()
	defer c.recvLock.Unlock()
	if c.recvErr != nil {
		return nil, c.recvErr
	}
	if !c.responded {
		if err := c.awaitResponse(); err != nil {
			return nil, c.terminate(err)
		}
	}
	if c.source != nil {
		v, err := c.source.Read(context.Background())
		if err != nil {
			return nil, c.terminate(err)
		}
		return v, nil
	}
	if c.singleRead {
		return nil, c.terminate(io.EOF)
	}
	c.singleRead = true
	return c.single, nil
}

func (c *Call) terminate(err error) error {
	c.recvErr = err
	c.finish()
	return err
}

func (c *Call) awaitResponse() error {
	var env envelope
	select {
	case env = <-c.resp:
	case <-c.sig.Done():
		// a response that raced the signal still wins
		select {
		case env = <-c.resp:
		default:
			return c.sig.Err()
		}
	}
	c.responded = true
	switch {
	case env.Error != nil:
		return errors.Decode(env.Error)
	case env.Channel != "" && c.kind.ServerStreams():
		return c.connectResponse(env.Channel)
	case env.Message != nil && !c.kind.ServerStreams():
		c.single = env.Message
		return nil
	default:
		metrics.ProtocolViolations.Inc()
		return errors.NewErrorf(codes.Internal, "unexpected response shape for %s method %q", c.kind, c.method)
	}
}

func (c *Call) connectResponse(name string) error {
	if _, ok := channame.DecodeLabel(c.client.prefix, channame.Stream, name); !ok {
		metrics.ProtocolViolations.Inc()
		return errors.NewErrorf(codes.Internal, "invalid response channel %q", name)
	}
	ctx, cancel := signalContext(context.Background(), c.sig)
	defer cancel()
	port, err := c.client.bus.Connect(ctx, name)
	if err != nil {
		if c.sig.Fired() {
			return c.sig.Err()
		}
		return errors.NewErrorf(errors.CodeOf(err), "failed to connect response channel: %v", err)
	}
	if port.Peer() != c.sess.port.Peer() {
		port.Disconnect()
		return errors.NewErrorf(codes.PermissionDenied, "response channel %q is not held by the host", name)
	}
	metrics.ChannelsOpened.WithLabelValues(string(channame.Stream)).Inc()
	var opts []portstream.SourceOption
	if d := c.client.conf.StreamIdleTimeout; d > 0 {
		opts = append(opts, portstream.WithIdleTimeout(d))
	}
	c.source = portstream.NewSource(port, c.sig, opts...)
	return nil
}

// Cancel abandons the call. Pending and later operations fail with reason.
func (c *Call) Cancel(reason error) {
	if reason == nil {
		reason = errors.NewError(codes.Canceled, "call cancelled")
	}
	c.sig.Fire(reason)
}

// Close releases the call. A call that has not finished is cancelled.
func (c *Call) Close() error {
	select {
	case <-c.done:
	default:
		c.sig.Fire(errors.NewError(codes.Canceled, "call closed"))
		c.finish()
	}
	return nil
}

// Err returns the reason the call was stopped, if it was.
func (c *Call) Err() error {
	return c.sig.Err()
}
