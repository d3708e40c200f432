package connmgr

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/channame"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"github.com/spirit-labs/chanrpc/metrics"
	"github.com/spirit-labs/chanrpc/rpc"
	"golang.org/x/sync/semaphore"
)

// Host is the host side of the connection manager. It classifies incoming channels by name: TRANSPORT channels
// become sessions whose requests are routed to handlers, STREAM channels are claimed only if one of its sessions
// offered them, and everything else is left for other acceptors.
//
// Every channel the host accepts is eventually disconnected, either when the call using it completes or when the
// call times out, is aborted, or its session goes away.
type Host struct {
	prefix  string
	router  *rpc.Router
	conf    Conf
	sem     *semaphore.Weighted
	retired *lru.Cache
	offers  *offerTable
	ctx     context.Context
	cancel  context.CancelFunc

	lock     sync.Mutex
	closed   bool
	sessions map[string]*session
	streams  map[bus.Port]struct{}
	unsubs   []func()
	wg       sync.WaitGroup
}

func NewHost(prefix string, router *rpc.Router, cfg Conf) (*Host, error) {
	if err := channame.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	retired, err := lru.New(cfg.RetiredSessionCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		prefix:   prefix,
		router:   router,
		conf:     cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentCalls)),
		retired:  retired,
		offers:   newOfferTable(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*session{},
		streams:  map[bus.Port]struct{}{},
	}, nil
}

func (h *Host) Prefix() string {
	return h.prefix
}

// Serve starts accepting channels opened on b. The returned function stops accepting new channels; channels already
// accepted are unaffected.
func (h *Host) Serve(b bus.Bus) func() {
	unsub := b.Subscribe(h.Acceptor(b))
	h.lock.Lock()
	defer h.lock.Unlock()
	h.unsubs = append(h.unsubs, unsub)
	return unsub
}

// Acceptor returns the acceptor that handles channels opened on b. It never blocks.
func (h *Host) Acceptor(b bus.Bus) bus.Acceptor {
	return func(port bus.Port) bool {
		return h.accept(b, port)
	}
}

func (h *Host) accept(b bus.Bus, port bus.Port) bool {
	name, ok := channame.Decode(h.prefix, port.Name())
	if !ok {
		metrics.ChannelsIgnored.Inc()
		return false
	}
	if name.Label == channame.Transport {
		return h.acceptSession(b, port, name)
	}
	if !h.offers.claim(port) {
		return false
	}
	h.trackStream(port)
	metrics.ChannelsAccepted.WithLabelValues(string(channame.Stream)).Inc()
	return true
}

func (h *Host) acceptSession(b bus.Bus, port bus.Port, name channame.Name) bool {
	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		return false
	}
	if _, live := h.sessions[name.ID]; live || h.retired.Contains(name.ID) {
		h.lock.Unlock()
		log.Warnf("rejecting session %s from %s: session id has already been used", name.ID, port.Peer())
		return false
	}
	s := newSession(h, b, port, name.ID)
	h.sessions[name.ID] = s
	h.wg.Add(1)
	h.lock.Unlock()
	metrics.ChannelsAccepted.WithLabelValues(string(channame.Transport)).Inc()
	metrics.ActiveSessions.Inc()
	if log.DebugEnabled {
		log.Debugf("host %s accepted session %s from %s", h.prefix, name.ID, port.Peer())
	}
	common.Go(s.run)
	return true
}

func (h *Host) sessionClosed(s *session) {
	h.lock.Lock()
	h.retired.Add(s.id, struct{}{})
	delete(h.sessions, s.id)
	h.lock.Unlock()
	metrics.ActiveSessions.Dec()
}

// trackStream records a stream channel the host holds so it can be revoked, until it disconnects.
func (h *Host) trackStream(port bus.Port) {
	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		port.Disconnect()
		return
	}
	h.streams[port] = struct{}{}
	h.lock.Unlock()
	common.Go(func() {
		<-port.Done()
		h.lock.Lock()
		delete(h.streams, port)
		h.lock.Unlock()
	})
}

// KillSender disconnects every session and stream channel opened by or for peer, failing their calls. It returns
// the number of channels disconnected.
func (h *Host) KillSender(peer string) int {
	h.lock.Lock()
	var ports []bus.Port
	for _, s := range h.sessions {
		if s.port.Peer() == peer {
			ports = append(ports, s.port)
		}
	}
	for p := range h.streams {
		if p.Peer() == peer {
			ports = append(ports, p)
		}
	}
	h.lock.Unlock()
	withdrawn := h.offers.withdrawPeer(peer)
	for _, p := range ports {
		p.Disconnect()
	}
	log.Infof("killed %d channels and %d pending offers for sender %s", len(ports), withdrawn, peer)
	return len(ports)
}

func (h *Host) SessionCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.sessions)
}

func (h *Host) StreamCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.streams)
}

// ActiveCalls returns the number of calls currently being served.
func (h *Host) ActiveCalls() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	n := 0
	for _, s := range h.sessions {
		n += s.callCount()
	}
	return n
}

// Close stops accepting channels, disconnects everything the host holds and waits for running handlers to return.
func (h *Host) Close() {
	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		return
	}
	h.closed = true
	unsubs := h.unsubs
	h.unsubs = nil
	var ports []bus.Port
	for _, s := range h.sessions {
		ports = append(ports, s.port)
	}
	for p := range h.streams {
		ports = append(ports, p)
	}
	h.lock.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	h.cancel()
	for _, p := range ports {
		p.Disconnect()
	}
	h.wg.Wait()
}
