package rpc

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"hyper-rpc/codec"
	"hyper-rpc/message"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Signature renders a method signature the same way on every participant:
// "<result> <Name>(<param>, <param>)". Type names are fully qualified by
// import path. A (T, error) result renders as T; an error-only or empty
// result renders as void. A leading context.Context parameter is omitted.
func Signature(name string, fn reflect.Type) string {
	params := make([]string, 0, fn.NumIn())
	for i := 0; i < fn.NumIn(); i++ {
		if i == 0 && fn.In(0) == contextType {
			continue
		}
		params = append(params, codec.TypeName(fn.In(i)))
	}

	result := "void"
	if fn.NumOut() > 0 && fn.Out(0) != errorType {
		result = codec.TypeName(fn.Out(0))
	}
	return result + " " + name + "(" + strings.Join(params, ", ") + ")"
}

// EventName identifies a method across participants:
// "<declaring type>_<signature>".
func EventName(service reflect.Type, name string, fn reflect.Type) string {
	for service.Kind() == reflect.Ptr {
		service = service.Elem()
	}
	return codec.TypeName(service) + "_" + Signature(name, fn)
}

// EventNameOf returns the event name of the method called name on svc.
func EventNameOf(svc Service, name string) (string, error) {
	for _, m := range svc.Methods() {
		if m.Name != name {
			continue
		}
		if err := validateMethod(m); err != nil {
			return "", err
		}
		return EventName(serviceType(svc), m.Name, reflect.TypeOf(m.Func)), nil
	}
	return "", fmt.Errorf("%w: %s has no method %s", ErrUnknownEvent, codec.TypeName(serviceType(svc)), name)
}

func validateMethod(m Method) error {
	if m.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMethod)
	}
	if m.Kind < KindServer || m.Kind > KindShared {
		return fmt.Errorf("%w: %s has kind %d", ErrInvalidMethod, m.Name, m.Kind)
	}
	if m.Func == nil {
		return fmt.Errorf("%w: %s has no implementation", ErrInvalidMethod, m.Name)
	}
	fn := reflect.TypeOf(m.Func)
	if fn.Kind() != reflect.Func {
		return fmt.Errorf("%w: %s is a %s, not a func", ErrInvalidMethod, m.Name, fn.Kind())
	}
	if fn.IsVariadic() {
		return fmt.Errorf("%w: %s is variadic", ErrInvalidMethod, m.Name)
	}
	switch fn.NumOut() {
	case 0, 1:
	case 2:
		if fn.Out(1) != errorType || fn.Out(0) == errorType {
			return fmt.Errorf("%w: %s must return (T, error)", ErrInvalidMethod, m.Name)
		}
	default:
		return fmt.Errorf("%w: %s returns %d values", ErrInvalidMethod, m.Name, fn.NumOut())
	}
	return nil
}

// Result is the outcome of a local invocation.
type Result struct {
	ReturnValue []byte
	Exception   *message.RemoteError
}

type localEvent struct {
	service   reflect.Type
	fn        reflect.Value
	params    []reflect.Type // rpc arguments, context excluded
	withCtx   bool
	hasResult bool
	hasErr    bool
}

func newLocalEvent(service reflect.Type, m Method) *localEvent {
	fn := reflect.ValueOf(m.Func)
	typ := fn.Type()
	ev := &localEvent{service: service, fn: fn}
	for i := 0; i < typ.NumIn(); i++ {
		if i == 0 && typ.In(0) == contextType {
			ev.withCtx = true
			continue
		}
		ev.params = append(ev.params, typ.In(i))
	}
	switch typ.NumOut() {
	case 1:
		ev.hasErr = typ.Out(0) == errorType
		ev.hasResult = !ev.hasErr
	case 2:
		ev.hasResult, ev.hasErr = true, true
	}
	return ev
}

// EventRegistry maps event names to local implementations and records which
// events may be called on the peer.
type EventRegistry struct {
	mu     sync.RWMutex
	local  map[string]*localEvent
	remote map[string]reflect.Type // event name → declaring service
}

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		local:  make(map[string]*localEvent),
		remote: make(map[string]reflect.Type),
	}
}

// Add registers the methods of svc as seen from a server (isServer) or a
// client participant. Nothing is registered when any method is invalid or
// its event name is already taken.
func (r *EventRegistry) Add(svc Service, isServer bool) error {
	typ := serviceType(svc)
	local := make(map[string]*localEvent)
	remote := make(map[string]struct{})

	for _, m := range svc.Methods() {
		if err := validateMethod(m); err != nil {
			return fmt.Errorf("%s: %w", codec.TypeName(typ), err)
		}
		name := EventName(typ, m.Name, reflect.TypeOf(m.Func))
		if m.Kind.local(isServer) {
			if _, dup := local[name]; dup {
				return fmt.Errorf("%w: local %s", ErrDuplicateEvent, name)
			}
			local[name] = newLocalEvent(typ, m)
		}
		if m.Kind.remote(isServer) {
			if _, dup := remote[name]; dup {
				return fmt.Errorf("%w: remote %s", ErrDuplicateEvent, name)
			}
			remote[name] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range local {
		if _, dup := r.local[name]; dup {
			return fmt.Errorf("%w: local %s", ErrDuplicateEvent, name)
		}
	}
	for name := range remote {
		if _, dup := r.remote[name]; dup {
			return fmt.Errorf("%w: remote %s", ErrDuplicateEvent, name)
		}
	}
	for name, ev := range local {
		r.local[name] = ev
	}
	for name := range remote {
		r.remote[name] = typ
	}
	return nil
}

// Remove drops every event declared by the service type typ.
func (r *EventRegistry) Remove(typ reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, ev := range r.local {
		if ev.service == typ {
			delete(r.local, name)
		}
	}
	for name, svc := range r.remote {
		if svc == typ {
			delete(r.remote, name)
		}
	}
}

func (r *EventRegistry) IsLocal(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.local[name]
	return ok
}

func (r *EventRegistry) IsRemote(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.remote[name]
	return ok
}

// LocalEvents lists the locally executable event names in order.
func (r *EventRegistry) LocalEvents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.local))
	for name := range r.local {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoteEvents lists the event names that may be called on the peer.
func (r *EventRegistry) RemoteEvents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.remote))
	for name := range r.remote {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallEvent decodes args with c and runs the local implementation of name.
// Unknown events, a wrong argument count and undecodable arguments are
// returned as errors. Whatever the implementation fails with, including a
// panic, ends up in Result.Exception.
func (r *EventRegistry) CallEvent(ctx context.Context, c codec.Codec, name string, args [][]byte) (Result, error) {
	r.mu.RLock()
	ev, ok := r.local[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if len(args) != len(ev.params) {
		return Result{}, fmt.Errorf("%w: %s takes %d, got %d", ErrArity, name, len(ev.params), len(args))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	in := make([]reflect.Value, 0, len(args)+1)
	if ev.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, arg := range args {
		v := reflect.New(ev.params[i])
		if err := c.Decode(arg, v.Interface()); err != nil {
			return Result{}, fmt.Errorf("%w: %s argument %d: %v", ErrBadArgument, name, i, err)
		}
		in = append(in, v.Elem())
	}

	out, exc := invoke(ev.fn, in)
	if exc != nil {
		return Result{Exception: exc}, nil
	}

	var res Result
	if ev.hasErr {
		if errv := out[len(out)-1]; !errv.IsNil() {
			res.Exception = message.NewRemoteError(errv.Interface().(error))
			return res, nil
		}
	}
	if ev.hasResult {
		data, err := c.Encode(out[0].Interface())
		if err != nil {
			res.Exception = message.NewRemoteError(fmt.Errorf("encode result: %w", err))
			return res, nil
		}
		res.ReturnValue = data
	}
	return res, nil
}

func invoke(fn reflect.Value, in []reflect.Value) (out []reflect.Value, exc *message.RemoteError) {
	defer func() {
		if rec := recover(); rec != nil {
			exc = &message.RemoteError{Type: message.ExceptionPanic, Message: fmt.Sprint(rec)}
		}
	}()
	return fn.Call(in), nil
}
