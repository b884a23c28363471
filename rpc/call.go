package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"hyper-rpc/codec"
)

// Call is an rpc request waiting for its response. On a broadcast it
// completes once every target acknowledged, with the last response.
type Call struct {
	ID        uuid.UUID
	EventName string
	Targets   []uint32 // Connection ids on a broadcast, nil on a unicast
	Reply     []byte   // Encoded return value, empty for void methods
	Error     error    // Remote exception, a *message.RemoteError
	Done      chan *Call

	codec    codec.Codec
	once     sync.Once
	finished chan struct{}
}

func newCall(id uuid.UUID, eventName string, targets []uint32, c codec.Codec) *Call {
	return &Call{
		ID:        id,
		EventName: eventName,
		Targets:   targets,
		Done:      make(chan *Call, 1),
		codec:     c,
		finished:  make(chan struct{}),
	}
}

func (call *Call) done() {
	call.once.Do(func() {
		close(call.finished)
		call.Done <- call
	})
}

// Wait blocks until the call completes or ctx is done, and returns the
// remote exception if there was one. Giving up on ctx leaves the call
// pending; a late response still completes it.
func (call *Call) Wait(ctx context.Context) error {
	select {
	case <-call.finished:
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Decode stores the return value in v. It must only be called after the
// call completed.
func (call *Call) Decode(v any) error {
	if call.Error != nil {
		return call.Error
	}
	if len(call.Reply) == 0 {
		return nil
	}
	return call.codec.Decode(call.Reply, v)
}

// Await waits for call and decodes its return value as T.
func Await[T any](ctx context.Context, call *Call) (T, error) {
	var v T
	if err := call.Wait(ctx); err != nil {
		return v, err
	}
	err := call.Decode(&v)
	return v, err
}

// Invoke calls the method named method of svc on the peer and waits for the
// result. On a server it is sent to every connected client.
func Invoke[T any](ctx context.Context, svc Service, method string, args ...any) (T, error) {
	var zero T
	name, err := EventNameOf(svc, method)
	if err != nil {
		return zero, err
	}
	p := svc.base().protocol
	if p == nil {
		return zero, fmt.Errorf("%w: service not added to a participant", ErrRemoteNotRegistered)
	}
	call, err := p.Request(name, args...)
	if err != nil {
		return zero, err
	}
	return Await[T](ctx, call)
}

// InvokeOn is Invoke addressed to the given clients. An empty list means
// every connected client. Only a server may use it.
func InvokeOn[T any](ctx context.Context, svc Service, targets []uint32, method string, args ...any) (T, error) {
	var zero T
	name, err := EventNameOf(svc, method)
	if err != nil {
		return zero, err
	}
	p := svc.base().protocol
	if p == nil {
		return zero, fmt.Errorf("%w: service not added to a participant", ErrRemoteNotRegistered)
	}
	call, err := p.RequestTo(targets, name, args...)
	if err != nil {
		return zero, err
	}
	return Await[T](ctx, call)
}
