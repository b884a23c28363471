package rpc

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"hyper-rpc/codec"
)

// Service is implemented by application services. Embed ServiceBase and
// list the rpc methods in Methods:
//
//	type MathUtils struct {
//		rpc.ServiceBase
//	}
//
//	func (s *MathUtils) Methods() []rpc.Method {
//		return []rpc.Method{{Name: "Add", Kind: rpc.KindServer, Func: s.add}}
//	}
type Service interface {
	Methods() []Method
	base() *ServiceBase
}

// ServiceBase holds what generated stubs need to decide between local
// execution and a network call.
type ServiceBase struct {
	protocol *Protocol
	isServer bool
}

func (b *ServiceBase) base() *ServiceBase { return b }

func (b *ServiceBase) bind(p *Protocol, isServer bool) {
	b.protocol = p
	b.isServer = isServer
}

// Protocol is the call protocol of the hosting participant.
func (b *ServiceBase) Protocol() *Protocol { return b.protocol }

// IsServer reports whether the hosting participant is the server.
func (b *ServiceBase) IsServer() bool { return b.isServer }

// IsLocal reports whether a stub for a method of this kind runs the
// implementation in-process. Shared methods are never local by default;
// their stubs take an explicit flag.
func (b *ServiceBase) IsLocal(kind Kind) bool {
	return kind != KindShared && kind.local(b.isServer)
}

func serviceType(svc Service) reflect.Type {
	return reflect.TypeOf(svc)
}

// ServiceName is the unqualified type name of svc, the name it is announced
// under in service discovery.
func ServiceName(svc Service) string {
	t := serviceType(svc)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// ServiceRegistry holds one instance per service type.
type ServiceRegistry struct {
	mu       sync.Mutex
	services map[reflect.Type]Service
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[reflect.Type]Service)}
}

func (r *ServiceRegistry) Add(svc Service) error {
	if svc == nil || reflect.ValueOf(svc).IsNil() {
		return fmt.Errorf("%w: nil service", ErrInvalidMethod)
	}
	typ := serviceType(svc)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[typ]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, codec.TypeName(typ))
	}
	r.services[typ] = svc
	return nil
}

func (r *ServiceRegistry) Remove(typ reflect.Type) (Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[typ]
	if ok {
		delete(r.services, typ)
	}
	return svc, ok
}

func (r *ServiceRegistry) Lookup(typ reflect.Type) (Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[typ]
	return svc, ok
}

// All returns the services ordered by type name.
func (r *ServiceRegistry) All() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		all = append(all, svc)
	}
	sort.Slice(all, func(i, j int) bool {
		return codec.TypeName(serviceType(all[i])) < codec.TypeName(serviceType(all[j]))
	})
	return all
}
