package sockbus

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"google.golang.org/grpc/codes"
)

const writeTimeout = 5 * time.Second

type Options struct {
	MaxQueuedMessages int
	MaxFrameSize      int
}

func (o Options) withDefaults() Options {
	if o.MaxQueuedMessages <= 0 {
		o.MaxQueuedMessages = bus.DefaultMaxQueuedMessages
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 4 * 1024 * 1024
	}
	return o
}

// Endpoint carries named channels over a single network connection. Both ends of the connection are symmetric: either
// side may open channels and either side may accept them.
type Endpoint struct {
	conn        net.Conn
	peer        string
	opts        Options
	writeLock   sync.Mutex
	lock        sync.Mutex
	ports       map[uint64]*sockPort
	pending     map[uint64]chan error
	acceptors   map[int64]bus.Acceptor
	acceptorSeq int64
	nextID      uint64
	closed      bool
	done        chan struct{}
	readWG      sync.WaitGroup
	onClose     func(*Endpoint)
}

var _ bus.Bus = (*Endpoint)(nil)

// newEndpoint wraps conn. The dialing side allocates odd channel ids and the accepting side even ones, so ids never
// collide.
func newEndpoint(conn net.Conn, peer string, dialer bool, opts Options) *Endpoint {
	e := &Endpoint{
		conn:      conn,
		peer:      peer,
		opts:      opts.withDefaults(),
		ports:     map[uint64]*sockPort{},
		pending:   map[uint64]chan error{},
		acceptors: map[int64]bus.Acceptor{},
		done:      make(chan struct{}),
	}
	if dialer {
		e.nextID = 1
	} else {
		e.nextID = 2
	}
	return e
}

func (e *Endpoint) start() {
	e.readWG.Add(1)
	common.Go(e.readLoop)
}

// Peer identifies the process on the other end of the connection.
func (e *Endpoint) Peer() string {
	return e.peer
}

// Done is closed once the connection is gone.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) Connect(ctx context.Context, name string) (bus.Port, error) {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil, errors.NewUnavailableError("connection is closed")
	}
	id := e.nextID
	e.nextID += 2
	port := newSockPort(e, id, name)
	reply := make(chan error, 1)
	e.ports[id] = port
	e.pending[id] = reply
	e.lock.Unlock()

	if err := e.writeFrame(frameOpen, id, []byte(name)); err != nil {
		e.abandon(id)
		return nil, err
	}
	select {
	case err := <-reply:
		if err != nil {
			e.abandon(id)
			return nil, err
		}
		return port, nil
	case <-ctx.Done():
		e.abandon(id)
		_ = e.writeFrame(frameDisconnect, id, nil)
		return nil, errors.NewErrorf(errors.CodeOf(ctx.Err()), "connecting channel %q: %v", name, ctx.Err())
	case <-e.done:
		return nil, errors.NewUnavailableError("connection is closed")
	}
}

func (e *Endpoint) abandon(id uint64) {
	e.lock.Lock()
	port := e.ports[id]
	delete(e.ports, id)
	delete(e.pending, id)
	e.lock.Unlock()
	if port != nil {
		port.markDisconnected()
	}
}

func (e *Endpoint) Subscribe(acceptor bus.Acceptor) func() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.acceptorSeq++
	id := e.acceptorSeq
	e.acceptors[id] = acceptor
	return func() {
		e.lock.Lock()
		defer e.lock.Unlock()
		delete(e.acceptors, id)
	}
}

// Close closes the connection, which disconnects every channel on both sides.
func (e *Endpoint) Close() error {
	e.shutdown()
	e.readWG.Wait()
	return nil
}

// PortCount returns the number of open channels on this connection.
func (e *Endpoint) PortCount() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.ports)
}

func (e *Endpoint) shutdown() {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	ports := make([]*sockPort, 0, len(e.ports))
	for _, p := range e.ports {
		ports = append(ports, p)
	}
	e.ports = map[uint64]*sockPort{}
	for _, ch := range e.pending {
		ch <- errors.NewUnavailableError("connection is closed")
	}
	e.pending = map[uint64]chan error{}
	e.acceptors = map[int64]bus.Acceptor{}
	onClose := e.onClose
	e.lock.Unlock()
	if err := e.conn.Close(); err != nil {
		// Ignore
	}
	for _, p := range ports {
		p.markDisconnected()
	}
	if onClose != nil {
		onClose(e)
	}
}

func (e *Endpoint) readLoop() {
	defer e.readPanicHandler()
	defer e.readWG.Done()
	if err := readFrames(e.conn, e.opts.MaxFrameSize, e.handleFrame); err != nil && !isClosedConnError(err) {
		log.Warnf("failed to read from connection with %s: %v", e.peer, err)
	}
	e.shutdown()
}

func (e *Endpoint) readPanicHandler() {
	// a malformed frame must not take the process down
	if r := recover(); r != nil {
		log.Errorf("failure in connection read loop with %s: %v", e.peer, r)
		e.shutdown()
	}
}

func isClosedConnError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func (e *Endpoint) handleFrame(buff []byte) error {
	kind, id, payload, err := decodeFrame(buff)
	if err != nil {
		return err
	}
	switch kind {
	case frameOpen:
		e.handleOpen(id, string(payload))
	case frameAccept, frameReject:
		e.lock.Lock()
		reply, ok := e.pending[id]
		delete(e.pending, id)
		e.lock.Unlock()
		if !ok {
			return nil
		}
		if kind == frameAccept {
			reply <- nil
		} else {
			reply <- errors.Decode(payload)
		}
	case frameMessage:
		e.lock.Lock()
		port := e.ports[id]
		e.lock.Unlock()
		if port != nil {
			port.deliver(payload)
		}
	case frameDisconnect:
		e.lock.Lock()
		port := e.ports[id]
		delete(e.ports, id)
		reply, pending := e.pending[id]
		delete(e.pending, id)
		e.lock.Unlock()
		if pending {
			reply <- errors.NewUnavailableError("channel disconnected before it was accepted")
		}
		if port != nil {
			port.markDisconnected()
		}
	}
	return nil
}

func (e *Endpoint) handleOpen(id uint64, name string) {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return
	}
	if _, exists := e.ports[id]; exists {
		e.lock.Unlock()
		log.Warnf("connection with %s reused channel id %d, ignoring open of %q", e.peer, id, name)
		return
	}
	port := newSockPort(e, id, name)
	e.ports[id] = port
	acceptors := make([]bus.Acceptor, 0, len(e.acceptors))
	for _, a := range e.acceptors {
		acceptors = append(acceptors, a)
	}
	e.lock.Unlock()

	for _, acceptor := range acceptors {
		if acceptor(port) {
			if err := e.writeFrame(frameAccept, id, nil); err != nil {
				log.Debugf("failed to accept channel %q: %v", name, err)
			}
			return
		}
	}
	e.lock.Lock()
	delete(e.ports, id)
	e.lock.Unlock()
	port.markDisconnected()
	rejection := errors.NewErrorf(codes.Unavailable, "no receiver for channel %q", name)
	if err := e.writeFrame(frameReject, id, errors.Encode(rejection)); err != nil {
		log.Debugf("failed to reject channel %q: %v", name, err)
	}
}

func (e *Endpoint) removePort(id uint64) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.ports, id)
}

func (e *Endpoint) writeFrame(kind frameKind, id uint64, payload []byte) error {
	buff := encodeFrame(kind, id, payload)
	if len(buff)-4 > e.opts.MaxFrameSize {
		return errors.NewErrorf(codes.ResourceExhausted, "message of %d bytes exceeds maximum frame size", len(payload))
	}
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	select {
	case <-e.done:
		return errors.NewUnavailableError("connection is closed")
	default:
	}
	// Set a write deadline so the write doesn't block for a long time in case the other side of the TCP connection
	// disappears
	if err := e.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return convertNetworkError(err)
	}
	if _, err := e.conn.Write(buff); err != nil {
		// a failed write leaves the stream in an unknown state, so the connection is unusable
		common.Go(e.shutdown)
		return convertNetworkError(err)
	}
	return nil
}

func convertNetworkError(err error) error {
	return errors.NewErrorf(codes.Unavailable, "transport error when sending frame: %v", err)
}

type sockPort struct {
	ep      *Endpoint
	id      uint64
	name    string
	lock    sync.Mutex
	state   bus.State
	inbound chan []byte
	done    chan struct{}
}

var _ bus.Port = (*sockPort)(nil)

func newSockPort(ep *Endpoint, id uint64, name string) *sockPort {
	return &sockPort{
		ep:      ep,
		id:      id,
		name:    name,
		inbound: make(chan []byte, ep.opts.MaxQueuedMessages),
		done:    make(chan struct{}),
	}
}

func (p *sockPort) Name() string {
	return p.name
}

func (p *sockPort) Peer() string {
	return p.ep.peer
}

func (p *sockPort) Send(msg []byte) error {
	if p.State() == bus.Disconnected {
		return errors.WithStack(errors.ErrDisconnected)
	}
	return p.ep.writeFrame(frameMessage, p.id, msg)
}

func (p *sockPort) Incoming() <-chan []byte {
	return p.inbound
}

func (p *sockPort) Done() <-chan struct{} {
	return p.done
}

func (p *sockPort) State() bus.State {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

func (p *sockPort) Disconnect() {
	if !p.markDisconnected() {
		return
	}
	p.ep.removePort(p.id)
	if err := p.ep.writeFrame(frameDisconnect, p.id, nil); err != nil {
		log.Debugf("failed to send disconnect for channel %q: %v", p.name, err)
	}
	// unread messages are discarded
	for range p.inbound {
	}
}

// deliver queues a message from the remote side. The sender cannot be told synchronously that the queue is full, so
// overflow disconnects the channel instead of dropping the message silently.
func (p *sockPort) deliver(payload []byte) {
	msg := make([]byte, len(payload))
	copy(msg, payload)
	p.lock.Lock()
	if p.state == bus.Disconnected {
		p.lock.Unlock()
		return
	}
	select {
	case p.inbound <- msg:
		p.lock.Unlock()
		return
	default:
	}
	p.lock.Unlock()
	log.Warnf("channel %q from %s exceeded %d queued messages, disconnecting", p.name, p.ep.peer, cap(p.inbound))
	p.Disconnect()
}

func (p *sockPort) markDisconnected() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.state == bus.Disconnected {
		return false
	}
	p.state = bus.Disconnected
	close(p.inbound)
	close(p.done)
	return true
}

func (p *sockPort) String() string {
	return fmt.Sprintf("%s#%d", p.name, p.id)
}
