package connmgr

import (
	"context"
	"sync"

	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"github.com/spirit-labs/chanrpc/metrics"
	"google.golang.org/grpc/codes"
)

// session is the host side of a TRANSPORT channel.
type session struct {
	host  *Host
	bus   bus.Bus
	port  bus.Port
	id    string
	lock  sync.Mutex
	calls map[string]*hostCall
	ended bool
}

func newSession(h *Host, b bus.Bus, port bus.Port, id string) *session {
	return &session{
		host:  h,
		bus:   b,
		port:  port,
		id:    id,
		calls: map[string]*hostCall{},
	}
}

func (s *session) info() SessionInfo {
	return SessionInfo{ID: s.id, Name: s.port.Name(), Peer: s.port.Peer()}
}

func (s *session) run() {
	defer s.host.wg.Done()
	defer s.end()
	if validate := s.host.conf.SessionValidator; validate != nil {
		ctx, cancel := context.WithTimeout(s.host.ctx, s.host.conf.SubChannelTimeout)
		err := validate(ctx, s.info())
		cancel()
		if err != nil {
			log.Warnf("session %s from %s rejected: %v", s.id, s.port.Peer(), err)
			s.fail(errors.NewErrorf(codes.Unauthenticated, "session rejected: %v", err))
			return
		}
	}
	for raw := range s.port.Incoming() {
		s.handle(raw)
	}
}

func (s *session) handle(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		metrics.ProtocolViolations.Inc()
		s.fail(err)
		return
	}
	if env.RequestID == "" {
		metrics.ProtocolViolations.Inc()
		s.fail(errors.NewError(codes.InvalidArgument, "session message has no request id"))
		return
	}
	switch {
	case env.Abort:
		s.abort(env.RequestID)
	case env.Method != "":
		s.request(env)
	default:
		s.reply(env.RequestID, errors.NewErrorf(codes.InvalidArgument, "unexpected message for request %s",
			env.RequestID))
	}
}

func (s *session) request(env envelope) {
	route, ok := s.host.router.Lookup(env.Method)
	if !ok {
		s.reply(env.RequestID, errors.NewErrorf(codes.Unimplemented, "unknown method %q", env.Method))
		return
	}
	if err := checkRequestShape(s.host.prefix, route.Method.Kind, env); err != nil {
		s.reply(env.RequestID, err)
		return
	}
	call := newHostCall(s, env, route)
	s.lock.Lock()
	if s.ended {
		s.lock.Unlock()
		return
	}
	if _, exists := s.calls[env.RequestID]; exists {
		s.lock.Unlock()
		s.reply(env.RequestID, errors.NewErrorf(codes.Internal, "request collision: request %s is already in progress",
			env.RequestID))
		return
	}
	if !s.host.sem.TryAcquire(1) {
		s.lock.Unlock()
		s.reply(env.RequestID, errors.NewErrorf(codes.ResourceExhausted, "too many concurrent calls (limit %d)",
			s.host.conf.MaxConcurrentCalls))
		return
	}
	s.calls[env.RequestID] = call
	s.host.wg.Add(1)
	s.lock.Unlock()
	common.Go(call.run)
}

func (s *session) abort(requestID string) {
	s.lock.Lock()
	call, ok := s.calls[requestID]
	s.lock.Unlock()
	if ok {
		call.sig.Fire(errors.NewError(codes.Canceled, "call cancelled by caller"))
	}
}

func (s *session) callDone(requestID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.calls, requestID)
}

func (s *session) callCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.calls)
}

func (s *session) send(env *envelope) error {
	err := s.port.Send(env.encode())
	if err != nil && log.DebugEnabled {
		log.Debugf("failed to send on session %s: %v", s.id, err)
	}
	return err
}

func (s *session) reply(requestID string, err error) {
	_ = s.send(&envelope{RequestID: requestID, Error: errors.Encode(err)})
}

// fail reports err for the whole session and disconnects it.
func (s *session) fail(err error) {
	_ = s.send(&envelope{Error: errors.Encode(err)})
	s.port.Disconnect()
}

func (s *session) end() {
	s.port.Disconnect()
	s.lock.Lock()
	s.ended = true
	calls := make([]*hostCall, 0, len(s.calls))
	for _, c := range s.calls {
		calls = append(calls, c)
	}
	s.lock.Unlock()
	for _, c := range calls {
		c.sig.Fire(errors.NewUnavailableError("session closed"))
	}
	s.host.sessionClosed(s)
	if log.DebugEnabled {
		log.Debugf("session %s from %s ended, cancelled %d calls", s.id, s.port.Peer(), len(calls))
	}
}
