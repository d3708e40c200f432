package rpc

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/spirit-labs/chanrpc/errors"
	"google.golang.org/grpc/codes"
)

// Service binds a handler to every method of a ServiceDesc.
type Service struct {
	desc     *ServiceDesc
	handlers *treemap.Map
}

func NewService(desc *ServiceDesc) *Service {
	return &Service{desc: desc, handlers: treemap.NewWithStringComparator()}
}

func (s *Service) Desc() *ServiceDesc {
	return s.desc
}

func (s *Service) Handle(method string, handler HandlerFunc) error {
	if _, ok := s.desc.Method(method); !ok {
		return errors.NewErrorf(codes.NotFound, "service %q has no method %q", s.desc.Name(), method)
	}
	if handler == nil {
		return errors.NewErrorf(codes.InvalidArgument, "nil handler for method %q", method)
	}
	s.handlers.Put(method, handler)
	return nil
}

func (s *Service) MustHandle(method string, handler HandlerFunc) *Service {
	if err := s.Handle(method, handler); err != nil {
		panic(err)
	}
	return s
}

func (s *Service) Handler(method string) (HandlerFunc, bool) {
	h, ok := s.handlers.Get(method)
	if !ok {
		return nil, false
	}
	return h.(HandlerFunc), true
}

// Validate checks that every declared method has a handler.
func (s *Service) Validate() error {
	var missing []string
	for _, m := range s.desc.Methods() {
		if _, ok := s.handlers.Get(m.Name); !ok {
			missing = append(missing, m.Name)
		}
	}
	if len(missing) > 0 {
		return errors.NewErrorf(codes.FailedPrecondition, "service %q has no handler for methods %v",
			s.desc.Name(), missing)
	}
	return nil
}
