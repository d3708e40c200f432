package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"google.golang.org/grpc/codes"
)

// LocalBus connects endpoints living in the same process. A port opened by one endpoint is offered to the acceptors
// of every other endpoint, never to its own.
type LocalBus struct {
	lock              sync.RWMutex
	endpoints         map[string]*LocalEndpoint
	maxQueuedMessages int
	closed            bool
}

func NewLocalBus(maxQueuedMessages int) *LocalBus {
	if maxQueuedMessages <= 0 {
		maxQueuedMessages = DefaultMaxQueuedMessages
	}
	return &LocalBus{
		endpoints:         map[string]*LocalEndpoint{},
		maxQueuedMessages: maxQueuedMessages,
	}
}

// Endpoint returns the endpoint for the execution context with the given identity, creating it if needed.
func (lb *LocalBus) Endpoint(identity string) *LocalEndpoint {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	ep, ok := lb.endpoints[identity]
	if !ok {
		ep = &LocalEndpoint{
			bus:       lb,
			identity:  identity,
			acceptors: map[int64]Acceptor{},
			ports:     map[*localPort]struct{}{},
		}
		lb.endpoints[identity] = ep
	}
	return ep
}

// Close disconnects every port of every endpoint. Later connects fail as unavailable.
func (lb *LocalBus) Close() {
	lb.lock.Lock()
	lb.closed = true
	endpoints := make([]*LocalEndpoint, 0, len(lb.endpoints))
	for _, ep := range lb.endpoints {
		endpoints = append(endpoints, ep)
	}
	lb.endpoints = map[string]*LocalEndpoint{}
	lb.lock.Unlock()
	for _, ep := range endpoints {
		ep.Close()
	}
}

func (lb *LocalBus) acceptorsExcept(identity string) ([]*LocalEndpoint, []Acceptor, error) {
	lb.lock.RLock()
	defer lb.lock.RUnlock()
	if lb.closed {
		return nil, nil, errors.NewUnavailableError("bus is closed")
	}
	var owners []*LocalEndpoint
	var acceptors []Acceptor
	for id, ep := range lb.endpoints {
		if id == identity {
			continue
		}
		for _, a := range ep.snapshotAcceptors() {
			owners = append(owners, ep)
			acceptors = append(acceptors, a)
		}
	}
	return owners, acceptors, nil
}

type LocalEndpoint struct {
	bus         *LocalBus
	identity    string
	lock        sync.Mutex
	acceptorSeq int64
	acceptors   map[int64]Acceptor
	ports       map[*localPort]struct{}
	closed      bool
}

var _ Bus = (*LocalEndpoint)(nil)

func (e *LocalEndpoint) Identity() string {
	return e.identity
}

func (e *LocalEndpoint) Connect(_ context.Context, name string) (Port, error) {
	if e.isClosed() {
		return nil, errors.NewUnavailableError("endpoint is closed")
	}
	owners, acceptors, err := e.bus.acceptorsExcept(e.identity)
	if err != nil {
		return nil, err
	}
	if len(acceptors) == 0 {
		return nil, errors.NewErrorf(codes.Unavailable, "no receiver for channel %q", name)
	}
	local, remote := newPortPair(name, e.identity, e.bus.maxQueuedMessages)
	if err := e.track(local); err != nil {
		return nil, err
	}
	for i, acceptor := range acceptors {
		if owners[i].track(remote) != nil {
			continue
		}
		if acceptor(remote) {
			local.peer = owners[i].identity
			return local, nil
		}
		owners[i].untrack(remote)
	}
	local.Disconnect()
	return nil, errors.NewErrorf(codes.Unavailable, "no receiver claimed channel %q", name)
}

func (e *LocalEndpoint) Subscribe(acceptor Acceptor) func() {
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

// Close disconnects every port this endpoint holds and removes its acceptors.
func (e *LocalEndpoint) Close() {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return
	}
	e.closed = true
	e.acceptors = map[int64]Acceptor{}
	ports := make([]*localPort, 0, len(e.ports))
	for p := range e.ports {
		ports = append(ports, p)
	}
	e.lock.Unlock()
	for _, p := range ports {
		p.Disconnect()
	}
}

// PortCount returns the number of open ports held by this endpoint.
func (e *LocalEndpoint) PortCount() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.ports)
}

func (e *LocalEndpoint) isClosed() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.closed
}

func (e *LocalEndpoint) snapshotAcceptors() []Acceptor {
	e.lock.Lock()
	defer e.lock.Unlock()
	res := make([]Acceptor, 0, len(e.acceptors))
	for _, a := range e.acceptors {
		res = append(res, a)
	}
	return res
}

func (e *LocalEndpoint) track(p *localPort) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return errors.NewUnavailableError("endpoint is closed")
	}
	e.ports[p] = struct{}{}
	p.onDisconnect = func() { e.untrack(p) }
	return nil
}

func (e *LocalEndpoint) untrack(p *localPort) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.ports, p)
}

// portPair is the state shared by both sides of a local channel.
type portPair struct {
	lock  sync.Mutex
	state State
	done  chan struct{}
}

type localPort struct {
	pair         *portPair
	name         string
	peer         string
	inbound      chan []byte
	other        *localPort
	onDisconnect func()
	dropped      atomic.Int64
}

var _ Port = (*localPort)(nil)

func newPortPair(name string, opener string, maxQueued int) (*localPort, *localPort) {
	pair := &portPair{done: make(chan struct{})}
	a := &localPort{pair: pair, name: name, inbound: make(chan []byte, maxQueued)}
	b := &localPort{pair: pair, name: name, peer: opener, inbound: make(chan []byte, maxQueued)}
	a.other, b.other = b, a
	return a, b
}

func (p *localPort) Name() string {
	return p.name
}

func (p *localPort) Peer() string {
	return p.peer
}

func (p *localPort) Send(msg []byte) error {
	p.pair.lock.Lock()
	defer p.pair.lock.Unlock()
	if p.pair.state == Disconnected {
		return errors.WithStack(errors.ErrDisconnected)
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	select {
	case p.other.inbound <- cp:
		return nil
	default:
		return errors.NewErrorf(codes.ResourceExhausted, "channel %q queue is full (%d messages)", p.name,
			cap(p.other.inbound))
	}
}

func (p *localPort) Incoming() <-chan []byte {
	return p.inbound
}

func (p *localPort) Done() <-chan struct{} {
	return p.pair.done
}

func (p *localPort) State() State {
	p.pair.lock.Lock()
	defer p.pair.lock.Unlock()
	return p.pair.state
}

func (p *localPort) Disconnect() {
	p.pair.lock.Lock()
	if p.pair.state == Disconnected {
		p.pair.lock.Unlock()
		return
	}
	p.pair.state = Disconnected
	close(p.inbound)
	close(p.other.inbound)
	close(p.pair.done)
	p.pair.lock.Unlock()
	// discard what this side never read, the counterpart still drains its own queue
	for range p.inbound {
		p.dropped.Add(1)
	}
	if n := p.dropped.Load(); n > 0 && log.DebugEnabled {
		log.Debugf("channel %q discarded %d unread messages on disconnect", p.name, n)
	}
	for _, side := range []*localPort{p, p.other} {
		if side.onDisconnect != nil {
			side.onDisconnect()
		}
	}
}
