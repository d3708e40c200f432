package sockbus

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/conf"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
)

// EndpointHandler is called for every accepted connection, before any frame is read from it, so that it can subscribe
// acceptors without racing incoming opens.
type EndpointHandler func(ep *Endpoint)

/*
Server listens for TCP connections, optionally using TLS, and exposes each one as an Endpoint. Channels opened by the
remote process are offered to the acceptors the handler subscribed on that endpoint.
*/
type Server struct {
	tlsConf             conf.TLSConfig
	opts                Options
	lock                sync.RWMutex
	address             string
	handler             EndpointHandler
	started             bool
	listener            net.Listener
	acceptLoopExitGroup sync.WaitGroup
	endpoints           sync.Map
}

func NewServer(address string, tlsConf conf.TLSConfig, opts Options, handler EndpointHandler) *Server {
	return &Server{
		tlsConf: tlsConf,
		opts:    opts,
		address: address,
		handler: handler,
	}
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	list, err := s.createNetworkListener()
	if err != nil {
		return err
	}
	s.listener = list
	s.started = true
	s.acceptLoopExitGroup.Add(1)
	common.Go(s.acceptLoop)
	return nil
}

func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	if err := s.listener.Close(); err != nil {
		// Ignore
	}
	// Wait for accept loop to exit
	s.acceptLoopExitGroup.Wait()
	s.endpoints.Range(func(ep, _ interface{}) bool {
		if err := ep.(*Endpoint).Close(); err != nil {
			// Ignore
		}
		return true
	})
	s.started = false
	return nil
}

// Address returns the address the server is listening on, which differs from the configured one when that used
// port 0.
func (s *Server) Address() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// EndpointCount returns the number of live connections.
func (s *Server) EndpointCount() int {
	count := 0
	s.endpoints.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (s *Server) createNetworkListener() (net.Listener, error) {
	list, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if s.tlsConf.Enabled {
		tlsConfig, err := conf.CreateServerTLSConfig(s.tlsConf)
		if err != nil {
			_ = list.Close()
			return nil, err
		}
		list = tls.NewListener(list, tlsConfig)
	}
	return list, nil
}

func (s *Server) acceptLoop() {
	defer s.acceptLoopExitGroup.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Ok - was closed
			break
		}
		ep := newEndpoint(conn, conn.RemoteAddr().String(), false, s.opts)
		ep.onClose = s.removeEndpoint
		s.endpoints.Store(ep, struct{}{})
		if s.handler != nil {
			s.handler(ep)
		}
		log.Debugf("accepted connection from %s", ep.Peer())
		ep.start()
	}
}

func (s *Server) removeEndpoint(ep *Endpoint) {
	s.endpoints.Delete(ep)
}
