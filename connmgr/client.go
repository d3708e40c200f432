package connmgr

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/channame"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"github.com/spirit-labs/chanrpc/metrics"
	"github.com/spirit-labs/chanrpc/rpc"
	"google.golang.org/grpc/codes"
)

// Client is the client side of the connection manager. It opens one session with a host lazily, on the first call,
// and reuses it until it disconnects.
type Client struct {
	bus    bus.Bus
	prefix string
	conf   Conf
	offers *offerTable
	unsub  func()

	lock   sync.Mutex
	closed bool
	sess   *clientSession
}

var _ rpc.Client = (*Client)(nil)

func NewClient(b bus.Bus, prefix string, cfg Conf) (*Client, error) {
	if err := channame.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{bus: b, prefix: prefix, conf: cfg, offers: newOfferTable()}
	c.unsub = b.Subscribe(c.accept)
	return c, nil
}

// accept claims the request stream channels this client offered.
func (c *Client) accept(port bus.Port) bool {
	if _, ok := channame.DecodeLabel(c.prefix, channame.Stream, port.Name()); !ok {
		return false
	}
	if !c.offers.claim(port) {
		return false
	}
	metrics.ChannelsAccepted.WithLabelValues(string(channame.Stream)).Inc()
	return true
}

func (c *Client) session(ctx context.Context) (*clientSession, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil, errors.NewUnavailableError("client is closed")
	}
	if c.sess != nil && !c.sess.isEnded() && c.sess.port.State() == bus.Open {
		return c.sess, nil
	}
	port, err := c.bus.Connect(ctx, channame.MustEncode(c.prefix, channame.Transport))
	if err != nil {
		return nil, err
	}
	metrics.ChannelsOpened.WithLabelValues(string(channame.Transport)).Inc()
	c.sess = newClientSession(c, port)
	common.Go(c.sess.readLoop)
	return c.sess, nil
}

// Open starts a call to method, addressed as "/service/method". Headers are taken from the outgoing gRPC metadata
// of ctx, and cancelling ctx cancels the call.
func (c *Client) Open(ctx context.Context, method string, kind rpc.Kind) (*Call, error) {
	if !kind.Valid() {
		return nil, errors.NewErrorf(codes.InvalidArgument, "invalid method kind %d", int(kind))
	}
	if _, _, ok := rpc.SplitFullMethod(method); !ok {
		return nil, errors.NewErrorf(codes.InvalidArgument, "invalid method name %q", method)
	}
	sess, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	call := newCall(c, sess, method, kind, rpc.OutgoingHeader(ctx))
	if err := sess.register(call); err != nil {
		return nil, err
	}
	call.start(ctx)
	if kind.ClientStreams() {
		call.reqOffer = c.offers.create(c.prefix, sess.port.Peer())
		if err := call.send(call.request(nil, call.reqOffer.name)); err != nil {
			c.offers.withdraw(call.reqOffer)
			call.sig.Fire(err)
			call.finish()
			return nil, err
		}
	}
	return call, nil
}

func (c *Client) Invoke(ctx context.Context, method string, req json.RawMessage) (json.RawMessage, error) {
	call, err := c.Open(ctx, method, rpc.Unary)
	if err != nil {
		return nil, err
	}
	defer call.Close()
	if err := call.Send(req); err != nil {
		return nil, err
	}
	if err := call.CloseSend(); err != nil {
		return nil, err
	}
	return call.Recv()
}

func (c *Client) NewStream(ctx context.Context, method string, kind rpc.Kind) (rpc.Stream, error) {
	return c.Open(ctx, method, kind)
}

// Close disconnects the session, failing every call in progress.
func (c *Client) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	sess := c.sess
	c.lock.Unlock()
	c.unsub()
	if sess != nil {
		sess.port.Disconnect()
	}
}

// clientSession is the client side of a TRANSPORT channel.
type clientSession struct {
	client  *Client
	port    bus.Port
	lock    sync.Mutex
	calls   map[string]*Call
	ended   bool
	err     error
	endedCh chan struct{}
}

func newClientSession(c *Client, port bus.Port) *clientSession {
	return &clientSession{client: c, port: port, calls: map[string]*Call{}, endedCh: make(chan struct{})}
}

func (s *clientSession) readLoop() {
	for raw := range s.port.Incoming() {
		s.handle(raw)
	}
	s.end(errors.NewUnavailableError("session disconnected"))
}

func (s *clientSession) handle(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		metrics.ProtocolViolations.Inc()
		s.fail(err)
		return
	}
	if env.RequestID == "" {
		if env.Error != nil {
			s.fail(errors.Decode(env.Error))
		} else {
			metrics.ProtocolViolations.Inc()
			s.fail(errors.NewError(codes.Internal, "session message has no request id"))
		}
		return
	}
	call := s.remove(env.RequestID)
	if call == nil {
		if log.DebugEnabled {
			log.Debugf("ignoring response for request %s which is no longer in progress", env.RequestID)
		}
		return
	}
	call.respond(env)
}

// fail ends the session with err, which every call in progress fails with.
func (s *clientSession) fail(err error) {
	s.lock.Lock()
	if s.err == nil {
		s.err = err
	}
	s.lock.Unlock()
	s.port.Disconnect()
}

func (s *clientSession) end(err error) {
	s.port.Disconnect()
	s.lock.Lock()
	s.ended = true
	if s.err == nil {
		s.err = err
	}
	err = s.err
	calls := s.calls
	s.calls = map[string]*Call{}
	s.lock.Unlock()
	for _, call := range calls {
		call.sig.Fire(err)
	}
	close(s.endedCh)
}

func (s *clientSession) isEnded() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ended
}

func (s *clientSession) register(call *Call) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.ended {
		return s.err
	}
	s.calls[call.id] = call
	return nil
}

// remove returns the call with id if it was still waiting for its response.
func (s *clientSession) remove(id string) *Call {
	s.lock.Lock()
	defer s.lock.Unlock()
	call, ok := s.calls[id]
	if !ok {
		return nil
	}
	delete(s.calls, id)
	return call
}

func (s *clientSession) send(env *envelope) error {
	return s.port.Send(env.encode())
}
