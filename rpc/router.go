package rpc

import (
	"sort"
	"sync"

	"github.com/spirit-labs/chanrpc/errors"
	"google.golang.org/grpc/codes"
)

type Route struct {
	Service string
	Method  MethodDesc
	Handler HandlerFunc
}

// Router resolves full method names to handlers. Services can be registered and unregistered while calls are being
// routed.
type Router struct {
	lock     sync.RWMutex
	services map[string]*Service
	routes   map[string]Route
}

func NewRouter() *Router {
	return &Router{
		services: map[string]*Service{},
		routes:   map[string]Route{},
	}
}

func (r *Router) Register(svc *Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	name := svc.Desc().Name()
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, exists := r.services[name]; exists {
		return errors.NewErrorf(codes.AlreadyExists, "service %q already registered", name)
	}
	r.services[name] = svc
	for _, m := range svc.Desc().Methods() {
		h, _ := svc.Handler(m.Name)
		r.routes[FullMethod(name, m.Name)] = Route{Service: name, Method: m, Handler: h}
	}
	return nil
}

func (r *Router) Unregister(service string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	svc, ok := r.services[service]
	if !ok {
		return false
	}
	for _, m := range svc.Desc().Methods() {
		delete(r.routes, FullMethod(service, m.Name))
	}
	delete(r.services, service)
	return true
}

func (r *Router) Lookup(fullMethod string) (Route, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	route, ok := r.routes[fullMethod]
	return route, ok
}

// Services returns the registered service names, sorted.
func (r *Router) Services() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Service(name string) (*Service, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}
