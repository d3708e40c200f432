package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spirit-labs/chanrpc/common"
	log "github.com/spirit-labs/chanrpc/logger"
)

type (
	Labels        = prometheus.Labels
	Counter       = prometheus.Counter
	CounterVec    = prometheus.CounterVec
	CounterOpts   = prometheus.CounterOpts
	Gauge         = prometheus.Gauge
	GaugeOpts     = prometheus.GaugeOpts
	HistogramOpts = prometheus.HistogramOpts
	HistogramVec  = prometheus.HistogramVec
	Observer      = prometheus.Observer
)

type Server struct {
	bind       string
	httpServer *http.Server
	dummy      bool
	lock       sync.Mutex
	started    bool
}

type metricServer struct{}

func (ms *metricServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			DisableCompression: true,
		}),
	).ServeHTTP(w, r)
}

// NewServer creates a server exposing /metrics on bind. A dummy server does nothing, for when metrics are disabled.
func NewServer(bind string, dummy bool) *Server {
	if dummy {
		return &Server{dummy: true}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", &metricServer{})
	return &Server{
		bind: bind,
		httpServer: &http.Server{
			Addr:    bind,
			Handler: mux,
		},
	}
}

func (s *Server) Start() error {
	if s.dummy {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	common.Go(func() {
		log.Debugf("starting prometheus http server on address %s", s.bind)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("prometheus http export server failed to listen %v", err)
		}
	})
	return nil
}

func (s *Server) Stop() error {
	if s.dummy {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.httpServer.Close()
}
