package rpc

import (
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/spirit-labs/chanrpc/errors"
	"google.golang.org/grpc/codes"
)

type MethodDesc struct {
	Name string
	Kind Kind
}

// ServiceDesc enumerates the methods of a service. Methods are always listed in name order.
type ServiceDesc struct {
	name    string
	methods *treemap.Map
}

func NewServiceDesc(name string, methods ...MethodDesc) (*ServiceDesc, error) {
	if err := validateName("service", name); err != nil {
		return nil, err
	}
	desc := &ServiceDesc{name: name, methods: treemap.NewWithStringComparator()}
	for _, m := range methods {
		if err := validateName("method", m.Name); err != nil {
			return nil, err
		}
		if !m.Kind.Valid() {
			return nil, errors.NewErrorf(codes.InvalidArgument, "method %q has invalid kind %d", m.Name, int(m.Kind))
		}
		if _, exists := desc.methods.Get(m.Name); exists {
			return nil, errors.NewErrorf(codes.InvalidArgument, "method %q declared more than once in service %q",
				m.Name, name)
		}
		desc.methods.Put(m.Name, m)
	}
	return desc, nil
}

func MustServiceDesc(name string, methods ...MethodDesc) *ServiceDesc {
	desc, err := NewServiceDesc(name, methods...)
	if err != nil {
		panic(err)
	}
	return desc
}

func validateName(what string, name string) error {
	if name == "" {
		return errors.NewErrorf(codes.InvalidArgument, "%s name must not be empty", what)
	}
	if strings.ContainsAny(name, "/ ") {
		return errors.NewErrorf(codes.InvalidArgument, "%s name %q must not contain '/' or spaces", what, name)
	}
	return nil
}

func (d *ServiceDesc) Name() string {
	return d.name
}

func (d *ServiceDesc) Method(name string) (MethodDesc, bool) {
	m, ok := d.methods.Get(name)
	if !ok {
		return MethodDesc{}, false
	}
	return m.(MethodDesc), true
}

func (d *ServiceDesc) Methods() []MethodDesc {
	methods := make([]MethodDesc, 0, d.methods.Size())
	iter := d.methods.Iterator()
	for iter.Next() {
		methods = append(methods, iter.Value().(MethodDesc))
	}
	return methods
}

func (d *ServiceDesc) Len() int {
	return d.methods.Size()
}

// FullMethod returns the address of method on the wire, in the same "/service/method" form gRPC uses.
func (d *ServiceDesc) FullMethod(method string) string {
	return FullMethod(d.name, method)
}

func FullMethod(service string, method string) string {
	return "/" + service + "/" + method
}

// SplitFullMethod is the inverse of FullMethod.
func SplitFullMethod(fullMethod string) (service string, method string, ok bool) {
	if !strings.HasPrefix(fullMethod, "/") {
		return "", "", false
	}
	service, method, ok = strings.Cut(fullMethod[1:], "/")
	if !ok || service == "" || method == "" || strings.Contains(method, "/") {
		return "", "", false
	}
	return service, method, true
}
