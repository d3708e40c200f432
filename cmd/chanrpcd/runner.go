package main

import (
	"sync"

	"github.com/spirit-labs/chanrpc/common"
	"github.com/spirit-labs/chanrpc/conf"
	"github.com/spirit-labs/chanrpc/connmgr"
	"github.com/spirit-labs/chanrpc/errors"
	"github.com/spirit-labs/chanrpc/grpcproxy"
	"github.com/spirit-labs/chanrpc/lifecycle"
	log "github.com/spirit-labs/chanrpc/logger"
	"github.com/spirit-labs/chanrpc/metrics"
	"github.com/spirit-labs/chanrpc/proxy"
	"github.com/spirit-labs/chanrpc/rpc"
	"github.com/spirit-labs/chanrpc/sockbus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// runner owns everything the daemon starts, so it can be stopped in order.
type runner struct {
	lock      sync.Mutex
	router    *rpc.Router
	host      *connmgr.Host
	server    *sockbus.Server
	metrics   *metrics.Server
	lifecycle *lifecycle.Endpoints
	conns     []*grpc.ClientConn
}

func (r *runner) run(cfg *conf.Config) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.router = rpc.NewRouter()
	if err := r.router.Register(newAdminService(r)); err != nil {
		return err
	}
	services, err := cfg.ProxyServices()
	if err != nil {
		return err
	}
	for _, ps := range services {
		if err := r.addProxy(ps); err != nil {
			r.closeConns()
			return err
		}
	}
	host, err := connmgr.NewHost(*cfg.Prefix, r.router, connmgr.ConfFromConfig(cfg))
	if err != nil {
		r.closeConns()
		return err
	}
	opts := sockbus.Options{MaxQueuedMessages: *cfg.MaxQueuedMessages, MaxFrameSize: int(*cfg.MaxFrameSize)}
	server := sockbus.NewServer(*cfg.ListenAddress, cfg.TLSConfig, opts, func(ep *sockbus.Endpoint) {
		unsub := host.Serve(ep)
		common.Go(func() {
			<-ep.Done()
			unsub()
		})
	})
	if err := server.Start(); err != nil {
		host.Close()
		r.closeConns()
		return err
	}
	metrics.Register()
	ms := metrics.NewServer(*cfg.MetricsBind, !*cfg.MetricsEnabled)
	if err := ms.Start(); err != nil {
		_ = server.Stop()
		host.Close()
		r.closeConns()
		return err
	}
	var endpoints *lifecycle.Endpoints
	if *cfg.LifecycleEnabled {
		endpoints = lifecycle.NewEndpoints(*cfg.LifecycleAddress, r.ready)
		if err := endpoints.Start(); err != nil {
			_ = ms.Stop()
			_ = server.Stop()
			host.Close()
			r.closeConns()
			return err
		}
		endpoints.SetActive(true)
	}
	r.host = host
	r.server = server
	r.metrics = ms
	r.lifecycle = endpoints
	log.Infof("chanrpc host listening on %s with prefix %q, serving %v", server.Address(), *cfg.Prefix,
		r.router.Services())
	return nil
}

// addProxy re-exposes a remote grpc service that speaks JSON.
func (r *runner) addProxy(ps conf.ProxyService) error {
	methods := make([]rpc.MethodDesc, 0, len(ps.Methods))
	for _, m := range ps.Methods {
		kind, err := rpc.ParseKind(m.Kind)
		if err != nil {
			return err
		}
		methods = append(methods, rpc.MethodDesc{Name: m.Name, Kind: kind})
	}
	desc, err := rpc.NewServiceDesc(ps.Name, methods...)
	if err != nil {
		return err
	}
	cc, err := grpc.NewClient(ps.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errors.WithStack(err)
	}
	r.conns = append(r.conns, cc)
	if err := r.router.Register(proxy.New(desc, grpcproxy.NewClient(cc))); err != nil {
		return err
	}
	log.Infof("proxying service %s to %s", ps.Name, ps.Address)
	return nil
}

func (r *runner) closeConns() {
	for _, cc := range r.conns {
		if err := cc.Close(); err != nil {
			log.Warnf("failed to close grpc connection to %s: %v", cc.Target(), err)
		}
	}
	r.conns = nil
}

func (r *runner) address() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.server == nil {
		return ""
	}
	return r.server.Address()
}

// ready reports whether the host is serving and no proxied grpc connection is failing.
func (r *runner) ready() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.host == nil {
		return false
	}
	for _, cc := range r.conns {
		switch cc.GetState() {
		case connectivity.TransientFailure, connectivity.Shutdown:
			return false
		}
	}
	return true
}

func (r *runner) lifecycleAddress() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.lifecycle == nil {
		return ""
	}
	return r.lifecycle.Address()
}

func (r *runner) getHost() *connmgr.Host {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.host
}

func (r *runner) stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.server == nil {
		return nil
	}
	if r.lifecycle != nil {
		r.lifecycle.SetActive(false)
	}
	err := r.server.Stop()
	r.host.Close()
	r.closeConns()
	if merr := r.metrics.Stop(); merr != nil && err == nil {
		err = merr
	}
	if r.lifecycle != nil {
		if lerr := r.lifecycle.Stop(); lerr != nil && err == nil {
			err = lerr
		}
		r.lifecycle = nil
	}
	r.server = nil
	r.host = nil
	return err
}
